package fluid

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestNewGridRejectsBadArguments(t *testing.T) {
	if _, err := NewGrid(0, 4, 4, 100, mgl32.Vec3{}, DefaultParams()); !errors.Is(err, ErrBounds) {
		t.Fatalf("zero dim: got %v want ErrBounds", err)
	}
	if _, err := NewGrid(4, 4, 4, 0, mgl32.Vec3{}, DefaultParams()); !errors.Is(err, ErrAmount) {
		t.Fatalf("zero cell size: got %v want ErrAmount", err)
	}
	p := DefaultParams()
	p.MinLevel = 2
	if _, err := NewGrid(4, 4, 4, 100, mgl32.Vec3{}, p); err == nil {
		t.Fatalf("MinLevel above MaxLevel accepted")
	}
}

func TestDefaultsFillZeroFields(t *testing.T) {
	g, err := NewGrid(2, 2, 2, 100, mgl32.Vec3{}, Params{EnableSettling: true})
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	def := DefaultParams()
	if got := g.Params(); got != def {
		t.Fatalf("params: got %+v want %+v", got, def)
	}
}

func TestAddFluidValidation(t *testing.T) {
	g := newFloorGrid(t, 2, 2, 2, mgl32.Vec3{}, DefaultParams())

	cases := []struct {
		name string
		amt  float32
		want error
	}{
		{"negative", -1, ErrAmount},
		{"zero", 0, ErrAmount},
		{"nan", float32(math.NaN()), ErrAmount},
		{"inf", float32(math.Inf(1)), ErrAmount},
	}
	for _, tc := range cases {
		if err := g.AddFluid(0, 0, 0, tc.amt); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
	if err := g.AddFluid(5, 0, 0, 1); !errors.Is(err, ErrBounds) {
		t.Fatalf("out of bounds: got %v want ErrBounds", err)
	}

	if err := g.SetCellSolid(1, 1, 1, true); err != nil {
		t.Fatalf("SetCellSolid: %v", err)
	}
	if err := g.AddFluid(1, 1, 1, 1); err != nil {
		t.Fatalf("add into solid: got %v want nil", err)
	}
	if got := g.FluidAt(1, 1, 1); got != 0 {
		t.Fatalf("solid cell accepted fluid: %g", got)
	}
}

func TestRemoveFluidTakesUpToBalance(t *testing.T) {
	g := newFloorGrid(t, 2, 2, 2, mgl32.Vec3{}, DefaultParams())
	mustAdd(t, g, 0, 0, 0, 0.5)

	took, err := g.RemoveFluid(0, 0, 0, 2)
	if err != nil {
		t.Fatalf("RemoveFluid: %v", err)
	}
	if took != 0.5 {
		t.Fatalf("took: got %g want 0.5", took)
	}
	if got := g.FluidAt(0, 0, 0); got != 0 {
		t.Fatalf("cell still holds %g", got)
	}
	if _, err := g.RemoveFluid(0, 0, 0, -1); !errors.Is(err, ErrAmount) {
		t.Fatalf("negative remove: got %v want ErrAmount", err)
	}
}

func TestTerrainFallbackSolidity(t *testing.T) {
	g, err := NewGrid(1, 1, 4, 100, mgl32.Vec3{}, DefaultParams())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	if got := g.TerrainHeightAt(0, 0); got > -1e30 {
		t.Fatalf("unset terrain: got %g want sentinel", got)
	}
	if err := g.SetTerrainHeight(0, 0, 250); err != nil {
		t.Fatalf("SetTerrainHeight: %v", err)
	}

	// Cell centers sit at 50, 150, 250, 350; the first three are at or
	// below the surface.
	for z, want := range []bool{true, true, true, false} {
		if got := g.IsSolid(0, 0, z); got != want {
			t.Fatalf("z=%d solid: got %v want %v", z, got, want)
		}
	}

	mustAdd(t, g, 0, 0, 3, 1)
	for i := 0; i < 10; i++ {
		g.Step(0.1, StepFull)
	}
	if got := g.FluidAt(0, 0, 3); got != 1 {
		t.Fatalf("fluid on terrain moved: got %g want 1", got)
	}
	if !g.IsSettled(0, 0, 3) {
		t.Fatalf("fluid resting on terrain never settled")
	}

	// Raising the surface above a wet cell swallows its fluid.
	if err := g.SetTerrainHeight(0, 0, 360); err != nil {
		t.Fatalf("SetTerrainHeight: %v", err)
	}
	if got := g.FluidAt(0, 0, 3); got != 0 {
		t.Fatalf("buried cell still holds %g", got)
	}
}

func TestFaceHelpers(t *testing.T) {
	cases := []struct {
		f    Face
		opp  Face
		name string
		dx   int
		dy   int
		dz   int
	}{
		{FaceXPos, FaceXNeg, "+x", 1, 0, 0},
		{FaceXNeg, FaceXPos, "-x", -1, 0, 0},
		{FaceYPos, FaceYNeg, "+y", 0, 1, 0},
		{FaceYNeg, FaceYPos, "-y", 0, -1, 0},
		{FaceZPos, FaceZNeg, "+z", 0, 0, 1},
		{FaceZNeg, FaceZPos, "-z", 0, 0, -1},
	}
	for _, tc := range cases {
		if got := tc.f.Opposite(); got != tc.opp {
			t.Fatalf("%v.Opposite(): got %v want %v", tc.f, got, tc.opp)
		}
		if got := tc.f.String(); got != tc.name {
			t.Fatalf("Face.String(): got %q want %q", got, tc.name)
		}
		dx, dy, dz := tc.f.Dir()
		if dx != tc.dx || dy != tc.dy || dz != tc.dz {
			t.Fatalf("%v.Dir(): got (%d,%d,%d) want (%d,%d,%d)",
				tc.f, dx, dy, dz, tc.dx, tc.dy, tc.dz)
		}
	}
}

func TestExtractBorderCapturesSlabState(t *testing.T) {
	g := newFloorGrid(t, 2, 2, 2, mgl32.Vec3{}, DefaultParams())
	mustAdd(t, g, 1, 0, 0, 0.8)
	if err := g.SetCellSolid(1, 1, 0, true); err != nil {
		t.Fatalf("SetCellSolid: %v", err)
	}

	b := g.ExtractBorder(FaceXPos)
	if len(b.Fluid) != 4 {
		t.Fatalf("slab area: got %d want 4", len(b.Fluid))
	}
	if !b.HasFluid() {
		t.Fatalf("slab with fluid reported empty")
	}

	// Slab slots are y + z*sy.
	if got := b.Fluid[0]; got != 0.8 {
		t.Fatalf("slot (0,0): got %g want 0.8", got)
	}
	if !b.Solid[1] {
		t.Fatalf("slot (1,0) should be solid")
	}
	if !b.Supported[0] {
		t.Fatalf("floor cell should be supported")
	}
	// (1,0,1) sits on a partially filled cell, (1,1,1) on a solid one.
	if b.Supported[2] {
		t.Fatalf("cell over 0.8 fluid counted as supported")
	}
	if !b.Supported[3] {
		t.Fatalf("cell over solid not counted as supported")
	}

	var nilSlab *Border
	if nilSlab.HasFluid() {
		t.Fatalf("nil slab reported fluid")
	}
}

func TestSetBorderRejectsWrongArea(t *testing.T) {
	small := newFloorGrid(t, 2, 2, 2, mgl32.Vec3{}, DefaultParams())
	big := newFloorGrid(t, 3, 3, 3, mgl32.Vec3{}, DefaultParams())

	if err := small.SetBorder(FaceXPos, big.ExtractBorder(FaceXNeg)); !errors.Is(err, ErrBounds) {
		t.Fatalf("mismatched slab: got %v want ErrBounds", err)
	}
	if err := small.SetBorder(FaceXPos, big.ExtractBorder(FaceXNeg)); err == nil {
		t.Fatalf("mismatched slab accepted")
	}
	if err := small.SetBorder(FaceXPos, nil); err != nil {
		t.Fatalf("clearing a border: %v", err)
	}
}

func TestCellStateRoundTrip(t *testing.T) {
	g := newFloorGrid(t, 2, 2, 2, mgl32.Vec3{}, DefaultParams())
	want := CellState{Fluid: 0.42, Settled: true, Source: true, Counter: 9}
	i := g.Index(1, 0, 1)
	g.SetStateAt(i, want)

	if got := g.StateAt(i); got != want {
		t.Fatalf("state: got %+v want %+v", got, want)
	}
	if !g.IsSettled(1, 0, 1) || !g.IsSource(1, 0, 1) {
		t.Fatalf("flags not visible through queries")
	}
	if g.Index(9, 0, 0) != -1 {
		t.Fatalf("out-of-bounds index not -1")
	}
}

func TestResettleAndClear(t *testing.T) {
	g := newFloorGrid(t, 2, 2, 2, mgl32.Vec3{}, DefaultParams())
	mustAdd(t, g, 0, 0, 0, 0.5)

	g.Resettle(0, 0, 0, true)
	if !g.IsSettled(0, 0, 0) || !g.IsSource(0, 0, 0) {
		t.Fatalf("Resettle did not mark the cell")
	}
	if !g.WakeSource(0, 0, 0, false) {
		t.Fatalf("WakeSource returned false")
	}
	if g.IsSource(0, 0, 0) {
		t.Fatalf("source flag survived WakeSource")
	}
	if g.WakeSource(1, 1, 1, false) {
		t.Fatalf("WakeSource woke an inert cell")
	}

	g.ClearCell(0, 0, 0)
	if got := g.FluidAt(0, 0, 0); got != 0 {
		t.Fatalf("cleared cell holds %g", got)
	}

	// Resettle refuses empty cells.
	g.Resettle(0, 0, 0, false)
	if g.IsSettled(0, 0, 0) {
		t.Fatalf("empty cell resettled")
	}
}

func TestCellCenterAndTotalVolume(t *testing.T) {
	g, err := NewGrid(2, 2, 2, 100, mgl32.Vec3{-100, 0, 200}, DefaultParams())
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	want := mgl32.Vec3{-50, 150, 350}
	if got := g.CellCenter(0, 1, 1); got != want {
		t.Fatalf("CellCenter: got %v want %v", got, want)
	}

	mustAdd(t, g, 0, 0, 0, 0.25)
	mustAdd(t, g, 1, 1, 1, 0.5)
	if got := g.TotalVolume(); got != 0.75 {
		t.Fatalf("TotalVolume: got %g want 0.75", got)
	}
	if !g.HasActiveFluid() {
		t.Fatalf("grid with live fluid reported inactive")
	}
}

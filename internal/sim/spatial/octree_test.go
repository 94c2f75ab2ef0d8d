package spatial

import (
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/mathx"
)

// cloudPoint derives a deterministic pseudo-random point for index i. The
// spread exceeds the root seed cube so growth gets exercised.
func cloudPoint(i int) (chunk.Coord, mgl32.Vec3) {
	c := chunk.Coord{X: int32(i), Y: int32(i * 31), Z: int32(i * 7)}
	h := mathx.Hash3(42, i, i*3+1, i*7+5)
	p := mgl32.Vec3{
		float32(h&1023)*12 - 6000,
		float32((h>>10)&1023)*12 - 6000,
		float32((h>>20)&1023)*12 - 6000,
	}
	return c, p
}

func sortCoords(cs []chunk.Coord) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
}

func sameCoords(t *testing.T, label string, got, want []chunk.Coord) {
	t.Helper()
	sortCoords(got)
	sortCoords(want)
	if len(got) != len(want) {
		t.Fatalf("%s: got %d coords, want %d", label, len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("%s: coord %d = %v, want %v", label, i, got[i], want[i])
		}
	}
}

func compareQueries(t *testing.T, stage string, oct, lin Index) {
	t.Helper()
	centers := []mgl32.Vec3{{0, 0, 0}, {3000, -2000, 1000}, {-5500, 5500, -5500}}
	for qi, qc := range centers {
		for _, r := range []float32{500, 2500, 9000} {
			label := fmt.Sprintf("%s radius q%d r%g", stage, qi, r)
			sameCoords(t, label, oct.QueryRadius(qc, r), lin.QueryRadius(qc, r))
		}
	}
	boxes := [][2]mgl32.Vec3{
		{{-1000, -1000, -1000}, {1000, 1000, 1000}},
		{{-6000, -6000, -6000}, {6300, 6300, 6300}},
		{{2000, 2000, 2000}, {2200, 9000, 9000}},
	}
	for bi, b := range boxes {
		label := fmt.Sprintf("%s box %d", stage, bi)
		sameCoords(t, label, oct.QueryBounds(b[0], b[1]), lin.QueryBounds(b[0], b[1]))
	}
}

func TestOctreeMatchesLinearOnHashedCloud(t *testing.T) {
	oct := NewOctree()
	lin := NewLinear()
	coords := make([]chunk.Coord, 0, 500)
	for i := 0; i < 500; i++ {
		c, p := cloudPoint(i)
		oct.Insert(c, p)
		lin.Insert(c, p)
		coords = append(coords, c)
	}
	if oct.Len() != lin.Len() {
		t.Fatalf("Len: octree %d, linear %d", oct.Len(), lin.Len())
	}
	compareQueries(t, "initial", oct, lin)

	for i, c := range coords {
		switch {
		case i%3 == 0:
			if got, want := oct.Remove(c), lin.Remove(c); got != want {
				t.Fatalf("Remove(%v): octree %v, linear %v", c, got, want)
			}
		case i%5 == 0:
			_, p := cloudPoint(i + 1000)
			oct.Update(c, p)
			lin.Update(c, p)
		}
	}
	if oct.Len() != lin.Len() {
		t.Fatalf("Len after churn: octree %d, linear %d", oct.Len(), lin.Len())
	}
	compareQueries(t, "churned", oct, lin)
}

func TestInsertRemoveAndReposition(t *testing.T) {
	tr := NewOctree()
	a := chunk.Coord{X: 1}
	b := chunk.Coord{X: 2}
	tr.Insert(a, mgl32.Vec3{100, 100, 100})
	tr.Insert(b, mgl32.Vec3{-100, -100, -100})
	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tr.Len())
	}

	// Re-inserting a coord repositions it instead of duplicating.
	tr.Insert(a, mgl32.Vec3{900, 900, 900})
	if tr.Len() != 2 {
		t.Fatalf("Len after reinsert = %d", tr.Len())
	}
	if got := tr.QueryRadius(mgl32.Vec3{100, 100, 100}, 10); len(got) != 0 {
		t.Fatalf("stale position still indexed: %v", got)
	}
	if got := tr.QueryRadius(mgl32.Vec3{900, 900, 900}, 10); len(got) != 1 || got[0] != a {
		t.Fatalf("new position missing: %v", got)
	}

	if !tr.Remove(a) {
		t.Fatalf("Remove reported absent coord")
	}
	if tr.Remove(a) {
		t.Fatalf("second Remove succeeded")
	}
	if tr.Len() != 1 {
		t.Fatalf("Len after remove = %d", tr.Len())
	}
}

func TestUpdateMovesAcrossOctants(t *testing.T) {
	tr := NewOctree()
	c := chunk.Coord{X: 9}
	tr.Insert(c, mgl32.Vec3{-3000, -3000, -3000})
	tr.Update(c, mgl32.Vec3{3000, 3000, 3000})

	if got := tr.QueryRadius(mgl32.Vec3{-3000, -3000, -3000}, 10); len(got) != 0 {
		t.Fatalf("old octant still holds the point: %v", got)
	}
	if got := tr.QueryRadius(mgl32.Vec3{3000, 3000, 3000}, 10); len(got) != 1 {
		t.Fatalf("moved point not found: %v", got)
	}
	if tr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tr.Len())
	}
}

func TestBoundsIncludeBoxFaces(t *testing.T) {
	for _, idx := range []Index{NewOctree(), NewLinear()} {
		c := chunk.Coord{X: 5}
		idx.Insert(c, mgl32.Vec3{100, 100, 100})
		got := idx.QueryBounds(mgl32.Vec3{100, 100, 100}, mgl32.Vec3{200, 200, 200})
		if len(got) != 1 || got[0] != c {
			t.Fatalf("%T: point on the box corner not returned: %v", idx, got)
		}
	}
}

func TestNonPositiveRadiusReturnsNothing(t *testing.T) {
	for _, idx := range []Index{NewOctree(), NewLinear()} {
		idx.Insert(chunk.Coord{X: 1}, mgl32.Vec3{})
		if got := idx.QueryRadius(mgl32.Vec3{}, 0); len(got) != 0 {
			t.Fatalf("%T: zero radius returned %v", idx, got)
		}
		if got := idx.QueryRadius(mgl32.Vec3{}, -5); len(got) != 0 {
			t.Fatalf("%T: negative radius returned %v", idx, got)
		}
	}
}

func TestNonFinitePositionsAreIgnored(t *testing.T) {
	nan := float32(math.NaN())
	for _, idx := range []Index{NewOctree(), NewLinear()} {
		idx.Insert(chunk.Coord{X: 1}, mgl32.Vec3{nan, 0, 0})
		if idx.Len() != 0 {
			t.Fatalf("%T: non-finite point was indexed", idx)
		}
	}
}

func TestGrowthReachesDistantPoints(t *testing.T) {
	tr := NewOctree()
	near := chunk.Coord{X: 1}
	far := chunk.Coord{X: 2}
	tr.Insert(near, mgl32.Vec3{0, 0, 0})
	tr.Insert(far, mgl32.Vec3{1e6, -1e6, 1e6})

	if got := tr.QueryRadius(mgl32.Vec3{0, 0, 0}, 1); len(got) != 1 || got[0] != near {
		t.Fatalf("near point lost after growth: %v", got)
	}
	if got := tr.QueryRadius(mgl32.Vec3{1e6, -1e6, 1e6}, 1); len(got) != 1 || got[0] != far {
		t.Fatalf("far point unreachable: %v", got)
	}
	if got := tr.QueryBounds(mgl32.Vec3{-2e6, -2e6, -2e6}, mgl32.Vec3{2e6, 2e6, 2e6}); len(got) != 2 {
		t.Fatalf("global bounds returned %v", got)
	}
}

func TestCoincidentPointsSurviveDepthLimit(t *testing.T) {
	tr := NewOctree()
	at := mgl32.Vec3{123, 456, 789}
	for i := 0; i < 20; i++ {
		tr.Insert(chunk.Coord{X: int32(i)}, at)
	}
	if got := tr.QueryRadius(at, 1); len(got) != 20 {
		t.Fatalf("found %d of 20 coincident points", len(got))
	}
	for i := 0; i < 20; i++ {
		if !tr.Remove(chunk.Coord{X: int32(i)}) {
			t.Fatalf("coincident point %d missing on remove", i)
		}
	}
	if tr.Len() != 0 {
		t.Fatalf("Len = %d after removing all", tr.Len())
	}
}

func TestClusterCollapseKeepsSurvivors(t *testing.T) {
	tr := NewOctree()
	for i := 0; i < 50; i++ {
		// A tight cluster inside one octant forces repeated splits.
		p := mgl32.Vec3{float32(i) * 2, float32(i%7) * 2, float32(i%5) * 2}
		tr.Insert(chunk.Coord{X: int32(i)}, p)
	}
	for i := 5; i < 50; i++ {
		tr.Remove(chunk.Coord{X: int32(i)})
	}
	if tr.Len() != 5 {
		t.Fatalf("Len = %d, want 5", tr.Len())
	}
	got := tr.QueryRadius(mgl32.Vec3{0, 0, 0}, 1e4)
	if len(got) != 5 {
		t.Fatalf("radius query found %d survivors, want 5", len(got))
	}
}

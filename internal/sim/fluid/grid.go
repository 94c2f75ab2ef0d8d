package fluid

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrBounds = errors.New("cell out of bounds")
	ErrAmount = errors.New("invalid fluid amount")
)

// noTerrain is the sentinel terrain height for columns with no terrain
// data: every cell sits above it, so nothing is solid by fallback.
const noTerrain = float32(-math.MaxFloat32)

// Grid is a dense row-major block of fluid cells, indexed x + y*Sx +
// z*Sx*Sy with +Z up. Two fluid buffers are swapped after each step;
// flags are single-buffered and updated in the settling phase.
//
// A Grid is owned by exactly one goroutine during Step. Border slabs
// installed via SetBorder are read-only for the duration of a step.
type Grid struct {
	sx, sy, sz int
	sxy        int

	cellSize float32
	origin   mgl32.Vec3
	p        Params

	cur  []float32
	nxt  []float32
	last []float32

	solid   []bool
	settled []bool
	source  []bool
	counter []uint8
	needs   []bool

	// terrain holds per-column surface heights (world Z of the terrain
	// top), used as a fallback solidity test below the stored cells.
	terrain []float32

	borders [FaceCount]*Border

	overfull []int
}

func NewGrid(sx, sy, sz int, cellSize float32, origin mgl32.Vec3, p Params) (*Grid, error) {
	if sx <= 0 || sy <= 0 || sz <= 0 {
		return nil, fmt.Errorf("grid dims %dx%dx%d: %w", sx, sy, sz, ErrBounds)
	}
	if cellSize <= 0 {
		return nil, fmt.Errorf("cell size %g: %w", cellSize, ErrAmount)
	}
	p.applyDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}

	n := sx * sy * sz
	g := &Grid{
		sx: sx, sy: sy, sz: sz,
		sxy:      sx * sy,
		cellSize: cellSize,
		origin:   origin,
		p:        p,

		cur:  make([]float32, n),
		nxt:  make([]float32, n),
		last: make([]float32, n),

		solid:   make([]bool, n),
		settled: make([]bool, n),
		source:  make([]bool, n),
		counter: make([]uint8, n),
		needs:   make([]bool, n),

		terrain: make([]float32, sx*sy),
	}
	for i := range g.terrain {
		g.terrain[i] = noTerrain
	}
	for i := range g.needs {
		g.needs[i] = true
	}
	return g, nil
}

func (g *Grid) Dims() (sx, sy, sz int) { return g.sx, g.sy, g.sz }
func (g *Grid) Len() int               { return len(g.cur) }
func (g *Grid) CellSize() float32      { return g.cellSize }
func (g *Grid) Origin() mgl32.Vec3     { return g.origin }
func (g *Grid) Params() Params         { return g.p }

func (g *Grid) idx(x, y, z int) int { return x + y*g.sx + z*g.sxy }

// Index returns the flat index for a cell, or -1 when out of bounds.
func (g *Grid) Index(x, y, z int) int {
	if !g.inBounds(x, y, z) {
		return -1
	}
	return g.idx(x, y, z)
}

func (g *Grid) inBounds(x, y, z int) bool {
	return x >= 0 && x < g.sx && y >= 0 && y < g.sy && z >= 0 && z < g.sz
}

// CellCenter returns the world-space center of a cell.
func (g *Grid) CellCenter(x, y, z int) mgl32.Vec3 {
	return mgl32.Vec3{
		g.origin.X() + (float32(x)+0.5)*g.cellSize,
		g.origin.Y() + (float32(y)+0.5)*g.cellSize,
		g.origin.Z() + (float32(z)+0.5)*g.cellSize,
	}
}

func (g *Grid) cellCenterZ(z int) float32 {
	return g.origin.Z() + (float32(z)+0.5)*g.cellSize
}

// solidAt reports effective solidity: an explicit solid flag, or the
// cell center sitting at or below the column's terrain height.
func (g *Grid) solidAt(x, y, z int) bool {
	i := g.idx(x, y, z)
	if g.solid[i] {
		return true
	}
	return g.cellCenterZ(z) <= g.terrain[x+y*g.sx]
}

// belowGridSolid reports whether the virtual cell below (x,y,0) is
// terrain. When false the grid has an open floor and falling fluid is
// dropped.
func (g *Grid) belowGridSolid(x, y int) bool {
	return g.origin.Z()-0.5*g.cellSize <= g.terrain[x+y*g.sx]
}

// restsOnSupport reports whether the cell can carry a horizontal flow:
// the cell below is solid or holds fluid at or above the compression
// threshold. buf selects which fluid buffer the test reads.
func (g *Grid) restsOnSupport(x, y, z int, buf []float32) bool {
	if z == 0 {
		if g.belowGridSolid(x, y) {
			return true
		}
		if b := g.borders[FaceZNeg]; b != nil {
			k := g.borderIndex(FaceZNeg, x, y, 0)
			return b.Solid[k] || b.Fluid[k] >= g.p.CompressionThreshold
		}
		return false
	}
	if g.solidAt(x, y, z-1) {
		return true
	}
	return buf[g.idx(x, y, z-1)] >= g.p.CompressionThreshold
}

// --- queries ---

func (g *Grid) FluidAt(x, y, z int) float32 {
	if !g.inBounds(x, y, z) {
		return 0
	}
	return g.cur[g.idx(x, y, z)]
}

func (g *Grid) IsSolid(x, y, z int) bool {
	if !g.inBounds(x, y, z) {
		return false
	}
	return g.solidAt(x, y, z)
}

func (g *Grid) IsSettled(x, y, z int) bool {
	if !g.inBounds(x, y, z) {
		return false
	}
	return g.settled[g.idx(x, y, z)]
}

func (g *Grid) IsSource(x, y, z int) bool {
	if !g.inBounds(x, y, z) {
		return false
	}
	return g.source[g.idx(x, y, z)]
}

func (g *Grid) TerrainHeightAt(x, y int) float32 {
	if x < 0 || x >= g.sx || y < 0 || y >= g.sy {
		return noTerrain
	}
	return g.terrain[x+y*g.sx]
}

// HasTerrain reports whether the column carries real terrain data rather
// than the unavailable sentinel.
func (g *Grid) HasTerrain(x, y int) bool {
	if x < 0 || x >= g.sx || y < 0 || y >= g.sy {
		return false
	}
	return g.terrain[x+y*g.sx] != noTerrain
}

// TotalVolume sums fluid over all cells of the current buffer.
func (g *Grid) TotalVolume() float32 {
	var sum float32
	for _, f := range g.cur {
		sum += f
	}
	return sum
}

// HasActiveFluid reports whether any unsettled cell carries fluid.
func (g *Grid) HasActiveFluid() bool {
	for i, f := range g.cur {
		if f > g.p.MinLevel && !g.settled[i] {
			return true
		}
	}
	return false
}

// --- mutations ---

// AddFluid pours amount into a cell. The write lands in the current
// buffer and takes effect at the next step. Negative, zero and NaN
// amounts are rejected.
func (g *Grid) AddFluid(x, y, z int, amount float32) error {
	if amount <= 0 || math.IsNaN(float64(amount)) || math.IsInf(float64(amount), 0) {
		return fmt.Errorf("add fluid %g: %w", amount, ErrAmount)
	}
	if !g.inBounds(x, y, z) {
		return fmt.Errorf("add fluid at (%d,%d,%d): %w", x, y, z, ErrBounds)
	}
	if g.solidAt(x, y, z) {
		return nil
	}
	g.cur[g.idx(x, y, z)] += amount
	g.unsettleAround(x, y, z)
	return nil
}

// RemoveFluid drains up to amount from a cell and returns how much was
// actually removed.
func (g *Grid) RemoveFluid(x, y, z int, amount float32) (float32, error) {
	if amount <= 0 || math.IsNaN(float64(amount)) || math.IsInf(float64(amount), 0) {
		return 0, fmt.Errorf("remove fluid %g: %w", amount, ErrAmount)
	}
	if !g.inBounds(x, y, z) {
		return 0, fmt.Errorf("remove fluid at (%d,%d,%d): %w", x, y, z, ErrBounds)
	}
	i := g.idx(x, y, z)
	took := amount
	if took > g.cur[i] {
		took = g.cur[i]
	}
	g.cur[i] -= took
	g.source[i] = false
	g.unsettleAround(x, y, z)
	return took, nil
}

// SetTerrainHeight updates a column's fallback terrain surface and wakes
// the cells whose effective solidity flipped, plus their neighborhoods.
func (g *Grid) SetTerrainHeight(x, y int, h float32) error {
	if x < 0 || x >= g.sx || y < 0 || y >= g.sy {
		return fmt.Errorf("terrain column (%d,%d): %w", x, y, ErrBounds)
	}
	old := g.terrain[x+y*g.sx]
	g.terrain[x+y*g.sx] = h
	if old == h {
		return nil
	}
	for z := 0; z < g.sz; z++ {
		cz := g.cellCenterZ(z)
		wasSolid := cz <= old
		nowSolid := cz <= h
		if wasSolid == nowSolid {
			continue
		}
		if nowSolid {
			g.cur[g.idx(x, y, z)] = 0
		}
		g.unsettleAround(x, y, z)
	}
	return nil
}

// unsettleLayers is how many cells above a newly carved cell are woken
// so that fluid overhead notices the opening.
const unsettleLayers = 4

// SetCellSolid flips a cell's explicit solid flag. Turning a cell solid
// destroys its fluid; carving a cell open wakes the column above it for
// a few layers so standing fluid falls in.
func (g *Grid) SetCellSolid(x, y, z int, s bool) error {
	if !g.inBounds(x, y, z) {
		return fmt.Errorf("set solid at (%d,%d,%d): %w", x, y, z, ErrBounds)
	}
	i := g.idx(x, y, z)
	if g.solid[i] == s {
		return nil
	}
	g.solid[i] = s
	if s {
		g.cur[i] = 0
		g.nxt[i] = 0
		g.settled[i] = false
		g.source[i] = false
		g.counter[i] = 0
	}
	g.unsettleAround(x, y, z)
	if !s {
		for dz := 1; dz <= unsettleLayers && z+dz < g.sz; dz++ {
			g.unsettleAround(x, y, z+dz)
		}
	}
	return nil
}

// StampSource turns a cell into settled source fluid, bypassing the
// simulation. Used by the static water overlay.
func (g *Grid) StampSource(x, y, z int) {
	if !g.inBounds(x, y, z) {
		return
	}
	i := g.idx(x, y, z)
	if g.solidAt(x, y, z) {
		return
	}
	g.cur[i] = g.p.MaxLevel
	g.nxt[i] = g.p.MaxLevel
	g.last[i] = g.p.MaxLevel
	g.settled[i] = true
	g.source[i] = true
	g.counter[i] = g.p.SettleFrames
	g.needs[i] = false
}

// ClearCell zeroes a cell's fluid and flags without waking neighbors.
// Used by the static water sealing pass.
func (g *Grid) ClearCell(x, y, z int) {
	if !g.inBounds(x, y, z) {
		return
	}
	i := g.idx(x, y, z)
	g.cur[i] = 0
	g.nxt[i] = 0
	g.last[i] = 0
	g.settled[i] = false
	g.source[i] = false
	g.counter[i] = 0
}

// WakeSource converts a settled source cell back into live fluid. The
// fluid level is kept; only the flags change.
func (g *Grid) WakeSource(x, y, z int, keepSource bool) bool {
	if !g.inBounds(x, y, z) {
		return false
	}
	i := g.idx(x, y, z)
	if !g.source[i] && !g.settled[i] {
		return false
	}
	g.settled[i] = false
	if !keepSource {
		g.source[i] = false
	}
	g.counter[i] = 0
	g.unsettleAround(x, y, z)
	return true
}

// Resettle marks a live cell settled again, restoring the source flag
// when asked. Used when an activation region freezes back.
func (g *Grid) Resettle(x, y, z int, asSource bool) {
	if !g.inBounds(x, y, z) {
		return
	}
	i := g.idx(x, y, z)
	if g.solidAt(x, y, z) || g.cur[i] <= g.p.MinLevel {
		return
	}
	g.settled[i] = true
	g.counter[i] = g.p.SettleFrames
	g.last[i] = g.cur[i]
	g.needs[i] = false
	if asSource {
		g.source[i] = true
	}
}

// unsettleAround marks the cell and its 26-neighborhood for rescan.
func (g *Grid) unsettleAround(x, y, z int) {
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny, nz := x+dx, y+dy, z+dz
				if !g.inBounds(nx, ny, nz) {
					continue
				}
				g.needs[g.idx(nx, ny, nz)] = true
			}
		}
	}
}

// --- raw cell access for serialization ---

// CellState is the persisted portion of one cell.
type CellState struct {
	Fluid   float32
	Solid   bool
	Settled bool
	Source  bool
	Counter uint8
}

func (g *Grid) StateAt(i int) CellState {
	return CellState{
		Fluid:   g.cur[i],
		Solid:   g.solid[i],
		Settled: g.settled[i],
		Source:  g.source[i],
		Counter: g.counter[i],
	}
}

func (g *Grid) SetStateAt(i int, s CellState) {
	g.cur[i] = s.Fluid
	g.nxt[i] = s.Fluid
	g.last[i] = s.Fluid
	g.solid[i] = s.Solid
	g.settled[i] = s.Settled
	g.source[i] = s.Source
	g.counter[i] = s.Counter
	g.needs[i] = !s.Settled
}

// Package water manages standing water: immutable level regions stamped
// into freshly loaded chunks as settled source cells, and the activation
// manager that melts those cells back into live simulation around
// disturbances.
package water

import (
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"hydrovox/internal/sim/fluid"
)

// Region is a horizontal rectangle of standing water at a fixed surface
// level. Depth bounds how far below the surface cells are stamped; zero
// or negative means bottomless.
type Region struct {
	ID       uuid.UUID
	Min, Max mgl32.Vec2
	Level    float32
	Depth    float32
	Priority int
}

func (r Region) Contains(x, y float32) bool {
	return x >= r.Min.X() && x <= r.Max.X() && y >= r.Min.Y() && y <= r.Max.Y()
}

// Overlaps reports whether the region's rectangle meets the given
// horizontal bounds.
func (r Region) Overlaps(minX, minY, maxX, maxY float32) bool {
	return r.Min.X() <= maxX && r.Max.X() >= minX && r.Min.Y() <= maxY && r.Max.Y() >= minY
}

// Store holds regions ordered by priority. Regions are immutable once
// added; removal invalidates chunks that intersect them, which is the
// caller's job to track via the returned region.
type Store struct {
	mu      sync.RWMutex
	regions []Region
}

func NewStore() *Store { return &Store{} }

// Add registers a region and returns its id, assigning one when unset.
func (s *Store) Add(r Region) uuid.UUID {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	s.mu.Lock()
	s.regions = append(s.regions, r)
	sort.SliceStable(s.regions, func(i, j int) bool {
		return s.regions[i].Priority > s.regions[j].Priority
	})
	s.mu.Unlock()
	return r.ID
}

func (s *Store) Remove(id uuid.UUID) (Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regions {
		if r.ID == id {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return r, true
		}
	}
	return Region{}, false
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.regions = nil
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}

// LevelAt returns the surface level of the highest-priority region whose
// horizontal bounds contain (x, y).
func (s *Store) LevelAt(x, y float32) (float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.regions {
		if r.Contains(x, y) {
			return r.Level, true
		}
	}
	return 0, false
}

func (s *Store) regionAt(x, y float32) (Region, bool) {
	for _, r := range s.regions {
		if r.Contains(x, y) {
			return r, true
		}
	}
	return Region{}, false
}

// Intersecting returns the regions overlapping the given horizontal
// bounds, highest priority first.
func (s *Store) Intersecting(minX, minY, maxX, maxY float32) []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Region
	for _, r := range s.regions {
		if r.Overlaps(minX, minY, maxX, maxY) {
			out = append(out, r)
		}
	}
	return out
}

// minSolidFraction guards the stamp against chunks whose terrain never
// arrived: a chunk this hollow gets no standing water, only seam sealing.
const minSolidFraction = 0.10

// sealReach is how close to the terrain surface, in cell widths, a border
// cell must be for the sealing pass to zero it.
const sealReach = 1.5

type StampReport struct {
	Stamped int
	Sealed  int
	Aborted bool
}

// StampChunk writes standing water into a terrain-initialized grid. Cells
// strictly above their column's terrain and at or below a covering
// region's level become settled source cells. Columns without terrain
// data are skipped. When the chunk holds almost no solid cells the stamp
// aborts and only border cells near the terrain surface are sealed.
func (s *Store) StampChunk(g *fluid.Grid) StampReport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rep StampReport
	sx, sy, sz := g.Dims()
	total := sx * sy * sz
	solid := 0
	for z := 0; z < sz; z++ {
		for y := 0; y < sy; y++ {
			for x := 0; x < sx; x++ {
				if g.IsSolid(x, y, z) {
					solid++
				}
			}
		}
	}
	if float32(solid) < minSolidFraction*float32(total) {
		rep.Aborted = true
		rep.Sealed = s.sealBorders(g)
		return rep
	}

	eps := g.CellSize() * 0.001
	for y := 0; y < sy; y++ {
		for x := 0; x < sx; x++ {
			if !g.HasTerrain(x, y) {
				continue
			}
			terrain := g.TerrainHeightAt(x, y)
			c := g.CellCenter(x, y, 0)
			reg, ok := s.regionAt(c.X(), c.Y())
			if !ok {
				continue
			}
			floor := reg.Level - reg.Depth
			for z := 0; z < sz; z++ {
				if g.IsSolid(x, y, z) {
					continue
				}
				cz := g.CellCenter(x, y, z).Z()
				if cz <= terrain+eps || cz > reg.Level {
					continue
				}
				if reg.Depth > 0 && cz < floor {
					continue
				}
				g.StampSource(x, y, z)
				rep.Stamped++
			}
		}
	}
	return rep
}

// sealBorders zeroes boundary cells close to the terrain surface so fluid
// cannot leak across seams where the neighbor's terrain disagrees.
func (s *Store) sealBorders(g *fluid.Grid) int {
	sx, sy, sz := g.Dims()
	reach := sealReach * g.CellSize()
	sealed := 0
	for z := 0; z < sz; z++ {
		for y := 0; y < sy; y++ {
			for x := 0; x < sx; x++ {
				if x != 0 && x != sx-1 && y != 0 && y != sy-1 && z != 0 && z != sz-1 {
					continue
				}
				if !g.HasTerrain(x, y) {
					continue
				}
				d := g.CellCenter(x, y, z).Z() - g.TerrainHeightAt(x, y)
				if d < -reach || d > reach {
					continue
				}
				if g.FluidAt(x, y, z) > 0 {
					sealed++
				}
				g.ClearCell(x, y, z)
			}
		}
	}
	return sealed
}

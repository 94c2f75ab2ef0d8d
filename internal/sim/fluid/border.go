package fluid

import "fmt"

// Face identifies one of the six sides of an axis-aligned grid.
type Face int

const (
	FaceXPos Face = iota
	FaceXNeg
	FaceYPos
	FaceYNeg
	FaceZPos
	FaceZNeg

	FaceCount = 6
)

var faceNames = [FaceCount]string{"+x", "-x", "+y", "-y", "+z", "-z"}

func (f Face) String() string {
	if f < 0 || f >= FaceCount {
		return "?"
	}
	return faceNames[f]
}

// Opposite returns the matching face on a neighboring grid.
func (f Face) Opposite() Face {
	switch f {
	case FaceXPos:
		return FaceXNeg
	case FaceXNeg:
		return FaceXPos
	case FaceYPos:
		return FaceYNeg
	case FaceYNeg:
		return FaceYPos
	case FaceZPos:
		return FaceZNeg
	default:
		return FaceZPos
	}
}

// Dir returns the unit offset from a grid to its neighbor across f.
func (f Face) Dir() (dx, dy, dz int) {
	switch f {
	case FaceXPos:
		return 1, 0, 0
	case FaceXNeg:
		return -1, 0, 0
	case FaceYPos:
		return 0, 1, 0
	case FaceYNeg:
		return 0, -1, 0
	case FaceZPos:
		return 0, 0, 1
	default:
		return 0, 0, -1
	}
}

// Border is a copy of one boundary layer of cells, exchanged between
// neighboring grids after each step. Slices are indexed by the two
// in-plane coordinates: (y,z) for X faces, (x,z) for Y faces and (x,y)
// for Z faces, inner axis first.
type Border struct {
	Face Face

	Fluid   []float32
	Solid   []bool
	Settled []bool
	// Supported records whether the cell rested on support (solid or
	// near-full cell below) when the slab was extracted. Horizontal
	// spreading across a seam requires it on both sides.
	Supported []bool

	hasFluid bool
}

// HasFluid reports whether any cell in the slab carries fluid above the
// empty cutoff. Computed once at extraction.
func (b *Border) HasFluid() bool {
	if b == nil {
		return false
	}
	return b.hasFluid
}

func newBorder(face Face, n int) *Border {
	return &Border{
		Face:      face,
		Fluid:     make([]float32, n),
		Solid:     make([]bool, n),
		Settled:   make([]bool, n),
		Supported: make([]bool, n),
	}
}

// borderArea returns the number of cells in the boundary layer of f.
func (g *Grid) borderArea(f Face) int {
	switch f {
	case FaceXPos, FaceXNeg:
		return g.sy * g.sz
	case FaceYPos, FaceYNeg:
		return g.sx * g.sz
	default:
		return g.sx * g.sy
	}
}

// borderIndex maps a boundary cell to its slab slot.
func (g *Grid) borderIndex(f Face, x, y, z int) int {
	switch f {
	case FaceXPos, FaceXNeg:
		return y + z*g.sy
	case FaceYPos, FaceYNeg:
		return x + z*g.sx
	default:
		return x + y*g.sx
	}
}

// ExtractBorder copies the boundary layer at face f out of the current
// buffer. The copy reflects the post-step state of this grid and is what
// a neighbor applies as its pending slab for the opposite face.
func (g *Grid) ExtractBorder(f Face) *Border {
	b := newBorder(f, g.borderArea(f))
	g.forEachBoundary(f, func(x, y, z int) {
		i := g.idx(x, y, z)
		k := g.borderIndex(f, x, y, z)
		b.Fluid[k] = g.cur[i]
		b.Solid[k] = g.solidAt(x, y, z)
		b.Settled[k] = g.settled[i]
		b.Supported[k] = g.restsOnSupport(x, y, z, g.cur)
		if g.cur[i] > g.p.MinLevel && !b.Solid[k] {
			b.hasFluid = true
		}
	})
	return b
}

// SetBorder installs the neighbor slab consulted by the next Step for
// cells just outside face f. Passing nil reverts the face to an open
// boundary.
func (g *Grid) SetBorder(f Face, b *Border) error {
	if b != nil && len(b.Fluid) != g.borderArea(f) {
		return fmt.Errorf("border slab %s: area %d want %d: %w",
			f, len(b.Fluid), g.borderArea(f), ErrBounds)
	}
	g.borders[f] = b
	return nil
}

func (g *Grid) forEachBoundary(f Face, fn func(x, y, z int)) {
	switch f {
	case FaceXPos, FaceXNeg:
		x := 0
		if f == FaceXPos {
			x = g.sx - 1
		}
		for z := 0; z < g.sz; z++ {
			for y := 0; y < g.sy; y++ {
				fn(x, y, z)
			}
		}
	case FaceYPos, FaceYNeg:
		y := 0
		if f == FaceYPos {
			y = g.sy - 1
		}
		for z := 0; z < g.sz; z++ {
			for x := 0; x < g.sx; x++ {
				fn(x, y, z)
			}
		}
	default:
		z := 0
		if f == FaceZPos {
			z = g.sz - 1
		}
		for y := 0; y < g.sy; y++ {
			for x := 0; x < g.sx; x++ {
				fn(x, y, z)
			}
		}
	}
}

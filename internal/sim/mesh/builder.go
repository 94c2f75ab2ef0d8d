package mesh

import (
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/mathx"
)

// ErrDegenerateField reports non-finite densities or unusable build
// arguments. The mesh returned alongside it is empty and safe to submit.
var ErrDegenerateField = errors.New("degenerate density field")

// Field yields fluid density at cell coordinates. The builder reads one
// cell beyond the chunk on every side for seam cubes and gradient
// normals, so implementations must accept coordinates in [-1, n+1].
type Field interface {
	Dims() (sx, sy, sz int)
	Sample(x, y, z int) float32
}

// Build runs marching cubes over the field at the given iso-level. The
// cube lattice sits on cell centers; cubes on the positive faces sample
// into the next chunk, so each chunk owns the seam on its +x/+y/+z side
// and neighbors tile without cracks.
func Build(f Field, cellSize float32, origin mgl32.Vec3, iso float32) (*Mesh, error) {
	sx, sy, sz := f.Dims()
	m := &Mesh{}
	if sx <= 0 || sy <= 0 || sz <= 0 || cellSize <= 0 || iso <= 0 {
		return m, ErrDegenerateField
	}

	b := &builder{
		sx: sx, sy: sy, sz: sz,
		cell:   cellSize,
		origin: origin,
		iso:    iso,
		nx:     sx + 3,
		ny:     sy + 3,
		mesh:   m,
		seen:   make(map[edgeKey]uint32, 256),
	}
	b.invU = 1 / (cellSize * float32(sx))
	b.invV = 1 / (cellSize * float32(sy))
	b.invW = 1 / (cellSize * float32(sz))

	b.vals = make([]float32, b.nx*b.ny*(sz+3))
	for z := -1; z <= sz+1; z++ {
		for y := -1; y <= sy+1; y++ {
			for x := -1; x <= sx+1; x++ {
				v := f.Sample(x, y, z)
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					return &Mesh{}, ErrDegenerateField
				}
				b.vals[b.vi(x, y, z)] = v
			}
		}
	}

	for z := 0; z < sz; z++ {
		for y := 0; y < sy; y++ {
			for x := 0; x < sx; x++ {
				b.cube(x, y, z)
			}
		}
	}
	return m, nil
}

type builder struct {
	sx, sy, sz int
	cell       float32
	origin     mgl32.Vec3
	iso        float32

	nx, ny           int
	vals             []float32
	invU, invV, invW float32

	mesh *Mesh
	seen map[edgeKey]uint32
}

// One vertex per lattice edge; the key is the edge's lower lattice corner
// plus its axis.
type edgeKey struct {
	x, y, z int16
	axis    uint8
}

func (b *builder) vi(x, y, z int) int {
	return (x + 1) + (y+1)*b.nx + (z+1)*b.nx*b.ny
}

func (b *builder) at(x, y, z int) float32 {
	return b.vals[b.vi(x, y, z)]
}

func (b *builder) cube(x, y, z int) {
	var ci int
	for c := range cornerOffset {
		o := cornerOffset[c]
		if b.at(x+o[0], y+o[1], z+o[2]) >= b.iso {
			ci |= 1 << c
		}
	}
	tri := triTable[ci]
	if len(tri) == 0 {
		return
	}

	var ev [12]uint32
	edges := edgeTable[ci]
	for e := 0; e < 12; e++ {
		if edges&(1<<e) != 0 {
			ev[e] = b.vertexAt(x, y, z, e)
		}
	}
	// Corner bits are set for at-or-above iso, the mirror of the table's
	// convention, so triples emit with the last two indices swapped to
	// keep faces toward the outside.
	for i := 0; i+2 < len(tri); i += 3 {
		b.mesh.Indices = append(b.mesh.Indices, ev[tri[i]], ev[tri[i+2]], ev[tri[i+1]])
	}
}

func (b *builder) vertexAt(cx, cy, cz, e int) uint32 {
	ca, cb := edgeCorner[e][0], edgeCorner[e][1]
	ax, ay, az := cx+cornerOffset[ca][0], cy+cornerOffset[ca][1], cz+cornerOffset[ca][2]
	bx, by, bz := cx+cornerOffset[cb][0], cy+cornerOffset[cb][1], cz+cornerOffset[cb][2]

	key := edgeKey{int16(min(ax, bx)), int16(min(ay, by)), int16(min(az, bz)), edgeAxis[e]}
	if id, ok := b.seen[key]; ok {
		return id
	}

	v1, v2 := b.at(ax, ay, az), b.at(bx, by, bz)
	t := float32(0.5)
	if v1 != v2 {
		t = mathx.Smoothstep((b.iso - v1) / (v2 - v1))
	}
	pos := lerpVec3(b.lattice(ax, ay, az), b.lattice(bx, by, bz), t)

	n := lerpVec3(b.gradient(ax, ay, az), b.gradient(bx, by, bz), t).Mul(-1)
	if l := n.Len(); l > 1e-6 {
		n = n.Mul(1 / l)
	} else {
		n = mgl32.Vec3{0, 0, 1}
	}

	depth := mathx.Clamp01((pos.Z() - b.origin.Z()) * b.invW)

	id := uint32(len(b.mesh.Positions))
	b.mesh.Positions = append(b.mesh.Positions, pos)
	b.mesh.Normals = append(b.mesh.Normals, n)
	b.mesh.UVs = append(b.mesh.UVs, mgl32.Vec2{
		(pos.X() - b.origin.X()) * b.invU,
		(pos.Y() - b.origin.Y()) * b.invV,
	})
	b.mesh.Colors = append(b.mesh.Colors, lerpVec4(deepTint, shallowTint, depth))
	b.seen[key] = id
	return id
}

// lattice maps a corner coordinate to the world position of its cell
// center.
func (b *builder) lattice(x, y, z int) mgl32.Vec3 {
	return mgl32.Vec3{
		b.origin.X() + (float32(x)+0.5)*b.cell,
		b.origin.Y() + (float32(y)+0.5)*b.cell,
		b.origin.Z() + (float32(z)+0.5)*b.cell,
	}
}

// gradient is the central difference of the density field. It points
// toward the fluid interior, so normals negate it.
func (b *builder) gradient(x, y, z int) mgl32.Vec3 {
	return mgl32.Vec3{
		b.at(x+1, y, z) - b.at(x-1, y, z),
		b.at(x, y+1, z) - b.at(x, y-1, z),
		b.at(x, y, z+1) - b.at(x, y, z-1),
	}
}

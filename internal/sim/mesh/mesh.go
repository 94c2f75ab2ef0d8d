// Package mesh extracts iso-surfaces from fluid density fields with
// marching cubes. Builders read densities through the Field interface so
// callers decide whether sampling stops at the chunk border or reaches
// into neighbors.
package mesh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/mathx"
)

// Mesh is a raw triangle-array surface. Index triples wind counter
// clockwise seen from outside the fluid.
type Mesh struct {
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	UVs       []mgl32.Vec2
	Colors    []mgl32.Vec4
	Indices   []uint32
}

func (m *Mesh) Empty() bool { return len(m.Indices) == 0 }

func (m *Mesh) TriangleCount() int { return len(m.Indices) / 3 }

// Vertex colors blend between these by depth within the chunk.
var (
	shallowTint = mgl32.Vec4{0.22, 0.58, 0.92, 0.72}
	deepTint    = mgl32.Vec4{0.05, 0.18, 0.45, 0.9}
)

// IsoForLOD scales the base iso-level for coarser detail tiers. Tier 1
// raises it by 1.2x, tier 2 by 1.5x.
func IsoForLOD(iso float32, lod int) float32 {
	switch {
	case lod <= 0:
		return iso
	case lod == 1:
		return iso * 1.2
	default:
		return iso * 1.5
	}
}

// Falloff damps a border density by its distance in cells outside the
// grid, so surfaces close off instead of sheeting into unloaded space.
func Falloff(v float32, dist int) float32 {
	return v * float32(math.Exp(-falloffRate*float64(dist)))
}

const falloffRate = 2.5

func lerpVec3(a, b mgl32.Vec3, t float32) mgl32.Vec3 {
	return mgl32.Vec3{
		mathx.Lerp(a.X(), b.X(), t),
		mathx.Lerp(a.Y(), b.Y(), t),
		mathx.Lerp(a.Z(), b.Z(), t),
	}
}

func lerpVec4(a, b mgl32.Vec4, t float32) mgl32.Vec4 {
	return mgl32.Vec4{
		mathx.Lerp(a.X(), b.X(), t),
		mathx.Lerp(a.Y(), b.Y(), t),
		mathx.Lerp(a.Z(), b.Z(), t),
		mathx.Lerp(a.W(), b.W(), t),
	}
}

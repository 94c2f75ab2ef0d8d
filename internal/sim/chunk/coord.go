package chunk

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/fluid"
	"hydrovox/internal/sim/mathx"
)

// Coord addresses a chunk on the infinite lattice. Chunk (0,0,0) spans
// world [0, N*CellSize) on each axis.
type Coord struct {
	X, Y, Z int32
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Neighbor returns the coord across face f.
func (c Coord) Neighbor(f fluid.Face) Coord {
	dx, dy, dz := f.Dir()
	return Coord{c.X + int32(dx), c.Y + int32(dy), c.Z + int32(dz)}
}

// CoordAt maps a world position to the chunk containing it.
func CoordAt(pos mgl32.Vec3, n int, cellSize float32) Coord {
	span := float64(n) * float64(cellSize)
	return Coord{
		X: int32(math.Floor(float64(pos.X()) / span)),
		Y: int32(math.Floor(float64(pos.Y()) / span)),
		Z: int32(math.Floor(float64(pos.Z()) / span)),
	}
}

// CoordOfCell maps absolute cell indices to the owning chunk.
func CoordOfCell(cx, cy, cz, n int) Coord {
	return Coord{
		X: int32(mathx.FloorDiv(cx, n)),
		Y: int32(mathx.FloorDiv(cy, n)),
		Z: int32(mathx.FloorDiv(cz, n)),
	}
}

// Origin returns the minimum corner of the chunk in world space.
func (c Coord) Origin(n int, cellSize float32) mgl32.Vec3 {
	span := float32(n) * cellSize
	return mgl32.Vec3{float32(c.X) * span, float32(c.Y) * span, float32(c.Z) * span}
}

// Center returns the world-space center of the chunk.
func (c Coord) Center(n int, cellSize float32) mgl32.Vec3 {
	span := float32(n) * cellSize
	o := c.Origin(n, cellSize)
	return mgl32.Vec3{o.X() + span/2, o.Y() + span/2, o.Z() + span/2}
}

package chunk

import (
	"hydrovox/internal/sim/fluid"
	"hydrovox/internal/sim/mathx"
)

// fingerprintSamples bounds the number of cells hashed per grid; larger
// grids are sampled on a stride.
const fingerprintSamples = 4096

// Fingerprint hashes a strided sample of the grid's cells. Two grids
// with the same dimensions and the same sampled fluid/flag values
// collide by construction; a change at an unsampled cell may not move
// the fingerprint, which the mesh cache accepts as a miss it will catch
// on the next accumulated-change rebuild.
func Fingerprint(g *fluid.Grid) uint64 {
	sx, sy, sz := g.Dims()
	h := mathx.Mix64(uint64(sx)<<42 | uint64(sy)<<21 | uint64(sz))

	n := g.Len()
	stride := (n + fingerprintSamples - 1) / fingerprintSamples
	if stride < 1 {
		stride = 1
	}
	max := g.Params().MaxLevel
	for i := 0; i < n; i += stride {
		s := g.StateAt(i)
		v := uint64(quantizeFluid(s.Fluid, max))
		if s.Solid {
			v |= 1 << 16
		}
		if s.Settled {
			v |= 1 << 17
		}
		if s.Source {
			v |= 1 << 18
		}
		h = mathx.Mix64(h ^ v<<24 ^ uint64(i))
	}
	return h
}

package mesh

import "hydrovox/internal/sim/fluid"

// GridField samples a single grid with no neighbor knowledge. Reads past
// the grid take the nearest border cell damped by Falloff. Used for the
// coarsest detail tier, where cross-chunk continuity is not kept.
type GridField struct {
	Grid *fluid.Grid
}

func (f GridField) Dims() (int, int, int) { return f.Grid.Dims() }

func (f GridField) Sample(x, y, z int) float32 {
	sx, sy, sz := f.Grid.Dims()
	dist := 0
	x = clampAxis(x, sx, &dist)
	y = clampAxis(y, sy, &dist)
	z = clampAxis(z, sz, &dist)
	v := f.Grid.FluidAt(x, y, z)
	if dist > 0 {
		v = Falloff(v, dist)
	}
	return v
}

func clampAxis(v, n int, dist *int) int {
	if v < 0 {
		if -v > *dist {
			*dist = -v
		}
		return 0
	}
	if v >= n {
		if d := v - n + 1; d > *dist {
			*dist = d
		}
		return n - 1
	}
	return v
}

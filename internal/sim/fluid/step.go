package fluid

// StepMode selects which phases a step runs. Reduced modes are used by
// distant chunks stepping at lower fidelity.
type StepMode int

const (
	// StepFull runs gravity, spreading, equalization and settling.
	StepFull StepMode = iota
	// StepFlowOnly skips pool equalization.
	StepFlowOnly
	// StepGravityOnly runs only the vertical phase and settling.
	StepGravityOnly
)

// Report summarizes one step.
type Report struct {
	// Worked is false when the sample screen found nothing to do.
	Worked bool
	// Activity is the sum of |fluid_next - fluid_prev| over all cells.
	Activity float32
	// Changed counts cells whose fluid moved this step.
	Changed int
	// BorderOut is set when flow crossed or touched a grid face; the
	// owner should re-export border slabs and mark the mesh seam dirty.
	BorderOut bool
	// Dropped is fluid lost through open boundaries this step.
	Dropped float32

	// OutFlux and InFlux account cross-face exchange volume per face.
	OutFlux [FaceCount]float32
	InFlux  [FaceCount]float32
}

// head is the hydrostatic allowance above MaxLevel a loaded cell may
// carry. Overfill up to the head travels down and sideways like
// pressure and converts to upward motion in the compression pass, which
// is what lets communicating columns equalize.
func (g *Grid) head() float32 {
	return g.p.MaxLevel - g.p.CompressionThreshold
}

// Step advances the automaton by dt. Phases run in a fixed order, each
// reading the current buffer and accumulating into next; the buffers are
// swapped on return. Cross-seam exchanges are computed from pre-step
// values on both sides of a face so that paired grids derive identical
// transfer amounts.
func (g *Grid) Step(dt float32, mode StepMode) Report {
	var rep Report
	if dt <= 0 {
		return rep
	}

	// Wake cells marked by mutations since the previous step.
	for i, n := range g.needs {
		if !n {
			continue
		}
		g.needs[i] = false
		g.settled[i] = false
		g.counter[i] = 0
	}

	if !g.screen() {
		return rep
	}
	rep.Worked = true

	copy(g.nxt, g.cur)
	copy(g.last, g.cur)
	g.overfull = g.overfull[:0]

	g.phaseGravity(&rep)
	g.phaseCompression(&rep)
	if mode != StepGravityOnly {
		g.phaseSpread(dt)
		g.seamSpread(dt, &rep)
	}
	if mode == StepFull {
		g.phaseEqualize(dt, &rep)
	}
	g.phaseSettle(&rep)

	g.cur, g.nxt = g.nxt, g.cur
	return rep
}

// screen samples every 16th cell for fluid, falling back to a full
// scan, before committing to a step. Settled fluid still counts: pools
// keep equalizing. Pending border slabs with fluid count as work too,
// inflow may arrive even into an empty grid.
func (g *Grid) screen() bool {
	for i := 0; i < len(g.cur); i += 16 {
		if g.cur[i] > g.p.MinLevel {
			return true
		}
	}
	for i := range g.cur {
		if g.cur[i] > g.p.MinLevel {
			return true
		}
	}
	for _, b := range g.borders {
		if b.HasFluid() {
			return true
		}
	}
	return false
}

// dampFactor slows transfers into partially filled cells to avoid
// oscillation between vertically adjacent cells.
func dampFactor(below float32) float32 {
	switch {
	case below > 0.5:
		return 0.3
	case below > 0.2:
		return 0.6
	default:
		return 1
	}
}

// phaseGravity moves fluid downward, bottom-up so a falling column
// shifts as a block. A below cell accepts fluid up to MaxLevel plus the
// hydrostatic head, so stacked columns press overfill into their base.
// In-grid transfers read the live next buffer; seam transfers read
// pre-step values only.
func (g *Grid) phaseGravity(rep *Report) {
	capacity := g.p.MaxLevel + g.head()
	min := g.p.MinLevel
	below := g.borders[FaceZNeg]
	above := g.borders[FaceZPos]
	top := g.sz - 1

	for z := 0; z <= top; z++ {
		for y := 0; y < g.sy; y++ {
			for x := 0; x < g.sx; x++ {
				i := g.idx(x, y, z)
				if g.solid[i] {
					continue
				}

				if !g.settled[i] && g.nxt[i] > min && !g.solidAt(x, y, z) {
					switch {
					case z > 0:
						j := i - g.sxy
						if !g.solidAt(x, y, z-1) {
							bf := g.nxt[j]
							if free := capacity - bf; free > 0 {
								amt := g.nxt[i]
								if amt > free {
									amt = free
								}
								amt *= dampFactor(bf)
								g.nxt[i] -= amt
								g.nxt[j] += amt
								g.wake(j)
							}
						}
					case below != nil:
						k := g.borderIndex(FaceZNeg, x, y, 0)
						if !below.Solid[k] {
							bf := below.Fluid[k]
							if free := capacity - bf; free > 0 {
								amt := g.cur[i]
								if amt > free {
									amt = free
								}
								amt *= dampFactor(bf)
								if amt > g.nxt[i] {
									amt = g.nxt[i]
								}
								if amt > 0 {
									g.nxt[i] -= amt
									rep.OutFlux[FaceZNeg] += amt
									rep.BorderOut = true
								}
							}
						}
					case !g.belowGridSolid(x, y):
						// Open floor: the fluid leaves the world.
						rep.Dropped += g.nxt[i]
						g.nxt[i] = 0
					}
				}

				// Top row: admit fluid falling in from the grid above.
				// The neighbor derives the matching outflow from the
				// same pre-step values, so the gates must mirror its
				// own: it does not give while settled.
				if z == top && above != nil {
					k := g.borderIndex(FaceZPos, x, y, top)
					if !above.Solid[k] && !above.Settled[k] &&
						above.Fluid[k] > min && !g.solidAt(x, y, top) {
						if free := capacity - g.cur[i]; free > 0 {
							amt := above.Fluid[k]
							if amt > free {
								amt = free
							}
							amt *= dampFactor(g.cur[i])
							g.nxt[i] += amt
							rep.InFlux[FaceZPos] += amt
							rep.BorderOut = true
							g.wake(i)
						}
					}
				}

				if g.nxt[i] > g.p.MaxLevel {
					g.overfull = append(g.overfull, i)
				}
			}
		}
	}
}

// phaseCompression converts overfill into upward motion where the cell
// above has room below MaxLevel. Overfill with nowhere to go is
// retained as pressure, except at an open top where it is absorbed.
func (g *Grid) phaseCompression(rep *Report) {
	max := g.p.MaxLevel
	top := g.sz - 1
	for _, i := range g.overfull {
		excess := g.nxt[i] - max
		if excess <= 0 {
			continue
		}
		z := i / g.sxy
		rem := i - z*g.sxy
		y := rem / g.sx
		x := rem - y*g.sx

		if z < top {
			if !g.solidAt(x, y, z+1) {
				j := i + g.sxy
				if free := max - g.nxt[j]; free > 0 {
					mv := excess
					if mv > free {
						mv = free
					}
					g.nxt[i] -= mv
					g.nxt[j] += mv
					g.wake(i)
					g.wake(j)
				}
			}
			continue
		}
		// Top row. With a neighbor above the overfill is retained and
		// resolves through the seam on later steps; otherwise it is
		// absorbed.
		if g.borders[FaceZPos] == nil {
			g.nxt[i] = max
			rep.Dropped += excess
		}
	}
}

// phaseSpread flattens fluid toward the mean over each cell and its
// strictly lower, supported axial neighbors. Deltas accumulate into the
// next buffer; gains are capped by the pressurized capacity and losses
// by the live balance, so the phase conserves volume exactly and
// overfill travels between loaded cells.
func (g *Grid) phaseSpread(dt float32) {
	rate := g.p.FlowRate * dt
	if rate > 1 {
		rate = 1
	}
	capacity := g.p.MaxLevel + g.head()
	min := g.p.MinLevel

	var nIdx [4]int
	var nVal [4]float32

	for z := 0; z < g.sz; z++ {
		for y := 0; y < g.sy; y++ {
			for x := 0; x < g.sx; x++ {
				i := g.idx(x, y, z)
				if g.solid[i] || g.settled[i] {
					continue
				}
				f := g.cur[i]
				if f <= min || g.solidAt(x, y, z) {
					continue
				}
				if !g.restsOnSupport(x, y, z, g.cur) {
					continue
				}

				cnt := 0
				sum := f
				probe := func(nx, ny int) {
					if nx < 0 || nx >= g.sx || ny < 0 || ny >= g.sy {
						return
					}
					j := g.idx(nx, ny, z)
					v := g.cur[j]
					if v >= f || g.solidAt(nx, ny, z) {
						return
					}
					if !g.restsOnSupport(nx, ny, z, g.cur) {
						return
					}
					nIdx[cnt] = j
					nVal[cnt] = v
					cnt++
					sum += v
				}
				probe(x+1, y)
				probe(x-1, y)
				probe(x, y+1)
				probe(x, y-1)
				if cnt == 0 {
					continue
				}

				mean := sum / float32(cnt+1)
				var want float32
				for k := 0; k < cnt; k++ {
					want += (mean - nVal[k]) * rate
				}
				if want <= 0 {
					continue
				}
				avail := g.nxt[i]
				if avail <= 0 {
					continue
				}
				scale := float32(1)
				if want > avail {
					scale = avail / want
				}

				var delivered float32
				for k := 0; k < cnt; k++ {
					gk := (mean - nVal[k]) * rate * scale
					j := nIdx[k]
					if room := capacity - g.nxt[j]; gk > room {
						gk = room
					}
					if gk <= 0 {
						continue
					}
					g.nxt[j] += gk
					delivered += gk
					g.wake(j)
				}
				if delivered > 0 {
					g.nxt[i] -= delivered
				}
			}
		}
	}
}

// seamSpread exchanges fluid pairwise with border slabs. Both sides of a
// face compute the transfer from the same pre-step values, so the
// neighbor's half of each pair mirrors this one exactly. Pairs where
// both cells are settled are left to the equalization phase.
func (g *Grid) seamSpread(dt float32, rep *Report) {
	rate := g.p.FlowRate * dt
	if rate > 1 {
		rate = 1
	}
	min := g.p.MinLevel
	capacity := g.p.MaxLevel + g.head()

	for _, f := range [...]Face{FaceXPos, FaceXNeg, FaceYPos, FaceYNeg} {
		b := g.borders[f]
		if b == nil {
			continue
		}
		g.forEachBoundary(f, func(x, y, z int) {
			i := g.idx(x, y, z)
			if g.solid[i] || g.solidAt(x, y, z) {
				return
			}
			k := g.borderIndex(f, x, y, z)
			if b.Solid[k] {
				return
			}
			if g.settled[i] && b.Settled[k] {
				return
			}
			mine := g.cur[i]
			theirs := b.Fluid[k]
			if mine <= min && theirs <= min {
				return
			}
			// Both sides must rest on support, each judged by the grid
			// that owns the cell; the slab carries the neighbor's bit.
			if !g.restsOnSupport(x, y, z, g.cur) || !b.Supported[k] {
				return
			}
			mv := (mine - theirs) * 0.5 * rate
			switch {
			case mv > 0:
				if avail := g.nxt[i]; mv > avail {
					mv = avail
				}
				if mv <= 0 {
					return
				}
				g.nxt[i] -= mv
				rep.OutFlux[f] += mv
				rep.BorderOut = true
				g.wake(i)
			case mv < 0:
				gain := -mv
				if room := capacity - g.nxt[i]; gain > room {
					gain = room
				}
				if gain <= 0 {
					return
				}
				g.nxt[i] += gain
				rep.InFlux[f] += gain
				rep.BorderOut = true
				g.wake(i)
			}
		})
	}
}

// phaseEqualize levels connected settled pools by pairwise averaging
// along +X and +Y, plus seam pairs against settled slab cells. The last
// buffer tracks these writes so the settling phase does not count them
// as activity and wake the pool.
func (g *Grid) phaseEqualize(dt float32, rep *Report) {
	rate := g.p.EqualizationRate * dt
	if rate > 1 {
		rate = 1
	}
	min := g.p.MinLevel

	pair := func(i, j int) {
		a, bf := g.cur[i], g.cur[j]
		if a <= min || bf <= min {
			return
		}
		d := (bf - a) * 0.5 * rate
		if d == 0 {
			return
		}
		g.nxt[i] += d
		g.nxt[j] -= d
		g.last[i] += d
		g.last[j] -= d
	}

	for z := 0; z < g.sz; z++ {
		for y := 0; y < g.sy; y++ {
			for x := 0; x < g.sx; x++ {
				i := g.idx(x, y, z)
				if !g.settled[i] || g.solid[i] {
					continue
				}
				if x+1 < g.sx {
					if j := i + 1; g.settled[j] && !g.solid[j] {
						pair(i, j)
					}
				}
				if y+1 < g.sy {
					if j := i + g.sx; g.settled[j] && !g.solid[j] {
						pair(i, j)
					}
				}
			}
		}
	}

	// Seam pairs: both cells settled, transfer mirrored by the neighbor.
	for _, f := range [...]Face{FaceXPos, FaceXNeg, FaceYPos, FaceYNeg} {
		b := g.borders[f]
		if b == nil {
			continue
		}
		g.forEachBoundary(f, func(x, y, z int) {
			i := g.idx(x, y, z)
			if !g.settled[i] || g.solid[i] {
				return
			}
			k := g.borderIndex(f, x, y, z)
			if b.Solid[k] || !b.Settled[k] {
				return
			}
			mine, theirs := g.cur[i], b.Fluid[k]
			if mine <= min || theirs <= min {
				return
			}
			d := (theirs - mine) * 0.5 * rate
			if d == 0 {
				return
			}
			g.nxt[i] += d
			g.last[i] += d
			if d > 0 {
				rep.InFlux[f] += d
			} else {
				rep.OutFlux[f] -= d
			}
			rep.BorderOut = true
		})
	}
}

// phaseSettle promotes quiescent cells, wakes disturbed ones and
// accumulates the step's activity.
func (g *Grid) phaseSettle(rep *Report) {
	thr := g.p.SettleChangeThreshold
	min := g.p.MinLevel

	for z := 0; z < g.sz; z++ {
		for y := 0; y < g.sy; y++ {
			for x := 0; x < g.sx; x++ {
				i := g.idx(x, y, z)
				f := g.nxt[i]
				if f < 0 {
					f = 0
					g.nxt[i] = 0
				}

				d := f - g.cur[i]
				if d != 0 {
					if d < 0 {
						rep.Activity -= d
					} else {
						rep.Activity += d
					}
					rep.Changed++
					if !rep.BorderOut && g.onBoundary(x, y, z) && (d > thr || d < -thr) {
						rep.BorderOut = true
					}
				}

				if g.solid[i] || f <= min {
					g.settled[i] = false
					g.counter[i] = 0
					continue
				}

				ad := f - g.last[i]
				if ad < 0 {
					ad = -ad
				}
				if ad < thr {
					if g.counter[i] < 255 {
						g.counter[i]++
					}
					if g.p.EnableSettling && !g.settled[i] &&
						g.counter[i] >= g.p.SettleFrames && g.canSettle(x, y, z) {
						g.settled[i] = true
					}
					continue
				}
				g.counter[i] = 0
				if g.settled[i] {
					g.settled[i] = false
					g.unsettleAround(x, y, z)
				}
			}
		}
	}
}

func (g *Grid) onBoundary(x, y, z int) bool {
	return x == 0 || x == g.sx-1 || y == 0 || y == g.sy-1 || z == 0 || z == g.sz-1
}

// canSettle rejects promotion while motion is still plausible: fluid
// overhead that has not settled, free capacity below, or a horizontal
// neighbor still visibly changing.
func (g *Grid) canSettle(x, y, z int) bool {
	min := g.p.MinLevel
	thr := g.p.SettleChangeThreshold

	if z+1 < g.sz {
		j := g.idx(x, y, z+1)
		if g.nxt[j] > min && !g.settled[j] {
			return false
		}
	} else if b := g.borders[FaceZPos]; b != nil {
		k := g.borderIndex(FaceZPos, x, y, z)
		if !b.Solid[k] && b.Fluid[k] > min && !b.Settled[k] {
			return false
		}
	}

	if z > 0 {
		if !g.solidAt(x, y, z-1) && g.nxt[g.idx(x, y, z-1)] < g.p.MaxLevel-min {
			return false
		}
	} else if b := g.borders[FaceZNeg]; b != nil {
		k := g.borderIndex(FaceZNeg, x, y, 0)
		if !b.Solid[k] && b.Fluid[k] < g.p.MaxLevel-min {
			return false
		}
	} else if !g.belowGridSolid(x, y) {
		return false
	}

	check := func(nx, ny int) bool {
		if nx < 0 || nx >= g.sx || ny < 0 || ny >= g.sy {
			return true
		}
		j := g.idx(nx, ny, z)
		d := g.nxt[j] - g.last[j]
		if d < 0 {
			d = -d
		}
		if d > 10*thr {
			return false
		}
		if !g.settled[j] && g.nxt[j] > min && d > thr {
			return false
		}
		return true
	}
	return check(x+1, y) && check(x-1, y) && check(x, y+1) && check(x, y-1)
}

// wake clears the settled state of a cell that just received fluid.
func (g *Grid) wake(i int) {
	if g.settled[i] {
		g.settled[i] = false
		g.counter[i] = 0
	}
}

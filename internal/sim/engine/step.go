package engine

import (
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/fluid"
)

// step advances every active chunk. Chunks own disjoint cell arrays,
// so the pass parallelizes per chunk; below ParallelThreshold it stays
// on the driver goroutine to skip the scheduling overhead.
func (e *Engine) step(dt float32) {
	e.mu.Lock()
	chunks := make([]*chunk.Chunk, 0, len(e.active))
	for c := range e.active {
		if ch := e.loaded[c]; ch != nil && ch.Grid() != nil {
			chunks = append(chunks, ch)
		}
	}
	e.mu.Unlock()
	sort.Slice(chunks, func(i, j int) bool { return coordLess(chunks[i].Coord, chunks[j].Coord) })

	reports := make([]fluid.Report, len(chunks))
	start := time.Now()
	if len(chunks) < e.cfg.ParallelThreshold {
		for i, ch := range chunks {
			reports[i] = ch.Step(dt, e.frame)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.cfg.Workers)
		for i, ch := range chunks {
			i, ch := i, ch
			g.Go(func() error {
				reports[i] = ch.Step(dt, e.frame)
				return nil
			})
		}
		_ = g.Wait()
	}
	e.stepMillis = float64(time.Since(start).Microseconds()) / 1000

	if e.reports == nil {
		e.reports = make(map[chunk.Coord]fluid.Report, len(chunks))
	} else {
		clear(e.reports)
	}
	for i, ch := range chunks {
		e.reports[ch.Coord] = reports[i]
		e.dropped += float64(reports[i].Dropped)
	}
}

// syncBorders finishes the tick's seam work. Seam transfers are
// computed symmetrically: each side applies its half of the pair from
// identical pre-step values, so any sleeping chunk a stepped neighbor
// exchanged volume with must step in the same tick, with the same mode,
// before its stored slabs advance an epoch. The wake cascade does
// exactly that, then every chunk that worked this tick pushes its
// post-step boundary slabs to its loaded neighbors.
func (e *Engine) syncBorders(dt float32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type wake struct {
		ch  *chunk.Chunk
		lod int
	}
	var queue []wake
	enqueue := func(c chunk.Coord, rep fluid.Report, donorLOD int) {
		for f := fluid.Face(0); f < fluid.FaceCount; f++ {
			if rep.OutFlux[f] <= 0 && rep.InFlux[f] <= 0 {
				continue
			}
			nc := c.Neighbor(f)
			if _, done := e.reports[nc]; done {
				continue
			}
			nb := e.loaded[nc]
			if nb == nil || nb.Grid() == nil || nb.State() == chunk.StateUnloading {
				continue
			}
			// Reserve the slot so a second donor cannot queue it
			// twice; the real report lands after its step.
			e.reports[nc] = fluid.Report{}
			queue = append(queue, wake{ch: nb, lod: donorLOD})
		}
	}

	stepped := make([]chunk.Coord, 0, len(e.reports))
	for c := range e.reports {
		stepped = append(stepped, c)
	}
	// Fixed wake order: when two donors could claim the same sleeper,
	// the lower coordinate wins regardless of map layout.
	sort.Slice(stepped, func(i, j int) bool { return coordLess(stepped[i], stepped[j]) })
	for _, c := range stepped {
		if ch := e.loaded[c]; ch != nil {
			enqueue(c, e.reports[c], ch.LOD())
		}
	}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]
		w.ch.SetLOD(w.lod)
		w.ch.Touch()
		rep := w.ch.Step(dt, e.frame)
		e.reports[w.ch.Coord] = rep
		e.dropped += float64(rep.Dropped)
		if w.ch.State() != chunk.StateActive && len(e.active) < e.cfg.MaxActiveChunks {
			e.setState(w.ch, chunk.StateActive)
		}
		enqueue(w.ch.Coord, rep, w.lod)
	}

	for c, rep := range e.reports {
		if !rep.Worked {
			continue
		}
		ch := e.loaded[c]
		if ch == nil || ch.Grid() == nil {
			continue
		}
		for f := fluid.Face(0); f < fluid.FaceCount; f++ {
			nb := e.loaded[c.Neighbor(f)]
			if nb == nil || nb.Grid() == nil || nb.State() == chunk.StateUnloading {
				continue
			}
			nb.ApplyBorder(f.Opposite(), ch.ExtractBorder(f))
			if rep.BorderOut {
				nb.MarkSeamDirty()
			}
		}
	}
}

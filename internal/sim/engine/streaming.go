package engine

import (
	"math"
	"sort"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/fluid"
)

// updateStreaming reclassifies the chunk set around the current
// viewers and services the load and unload queues. With no viewers
// every loaded chunk drains out through the unload queue.
func (e *Engine) updateStreaming(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	viewers := e.lastViewers
	e.classify(viewers)
	dists := e.prune(viewers)
	e.retierActive(dists)
	e.enforceLoadedCap(dists)
	e.assignLOD(dists)
	e.refreshBorderOnly()
	e.processLoads(now, viewers)
	e.processUnloads(now, viewers)
}

// classify walks a chunk-coordinate box around each viewer and queues
// loads for wanted chunks that are neither loaded nor queued.
func (e *Engine) classify(viewers []mgl32.Vec3) {
	span := e.cfg.span()
	r := int32(math.Ceil(float64(e.cfg.LoadDistance / span)))
	zr := r
	if zr > e.cfg.ZBand {
		zr = e.cfg.ZBand
	}

	seen := make(map[chunk.Coord]struct{})
	for _, v := range viewers {
		vc := chunk.CoordAt(v, e.cfg.ChunkSize, e.cfg.CellSize)
		for dz := -zr; dz <= zr; dz++ {
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					c := chunk.Coord{X: vc.X + dx, Y: vc.Y + dy, Z: vc.Z + dz}
					if _, ok := seen[c]; ok {
						continue
					}
					seen[c] = struct{}{}
					if _, ok := e.loaded[c]; ok {
						continue
					}
					if _, ok := e.queued[c]; ok {
						continue
					}
					d := e.viewerDist(c.Center(e.cfg.ChunkSize, e.cfg.CellSize), viewers)
					if d > e.cfg.LoadDistance {
						continue
					}
					e.loadQ = append(e.loadQ, loadRequest{c: c, dist: d})
					e.queued[c] = struct{}{}
				}
			}
		}
	}
}

// prune queues unloads for chunks past UnloadDistance and demotes
// actives that drifted past ActiveDistance. It returns the viewer
// distance of every chunk that stays loaded.
func (e *Engine) prune(viewers []mgl32.Vec3) map[chunk.Coord]float32 {
	dists := make(map[chunk.Coord]float32, len(e.loaded))
	for c, ch := range e.loaded {
		if ch.State() == chunk.StateUnloading {
			continue
		}
		d := e.viewerDist(c.Center(e.cfg.ChunkSize, e.cfg.CellSize), viewers)
		switch {
		case d > e.cfg.UnloadDistance:
			e.setState(ch, chunk.StateUnloading)
			if _, ok := e.queued[c]; !ok {
				e.unloadQ = append(e.unloadQ, c)
				e.queued[c] = struct{}{}
			}
		case d > e.cfg.ActiveDistance:
			if ch.State() == chunk.StateActive || ch.State() == chunk.StateBorderOnly {
				e.setState(ch, chunk.StateInactive)
			}
			dists[c] = d
		default:
			dists[c] = d
		}
	}
	return dists
}

// retierActive rebuilds the active set as the nearest chunks within
// ActiveDistance, bounded by MaxActiveChunks.
func (e *Engine) retierActive(dists map[chunk.Coord]float32) {
	want := make([]loadRequest, 0, len(e.active)+8)
	for c, d := range dists {
		if d <= e.cfg.ActiveDistance {
			want = append(want, loadRequest{c: c, dist: d})
		}
	}
	sort.Slice(want, func(i, j int) bool {
		if want[i].dist != want[j].dist {
			return want[i].dist < want[j].dist
		}
		return coordLess(want[i].c, want[j].c)
	})
	if len(want) > e.cfg.MaxActiveChunks {
		for _, w := range want[e.cfg.MaxActiveChunks:] {
			if ch := e.loaded[w.c]; ch.State() == chunk.StateActive {
				e.setState(ch, chunk.StateInactive)
			}
		}
		want = want[:e.cfg.MaxActiveChunks]
	}
	for _, w := range want {
		ch := e.loaded[w.c]
		if ch.State() != chunk.StateActive {
			e.setState(ch, chunk.StateActive)
			ch.Touch()
		}
	}
}

// enforceLoadedCap queues unloads for the farthest loaded chunks past
// MaxLoadedChunks, never touching actives.
func (e *Engine) enforceLoadedCap(dists map[chunk.Coord]float32) {
	over := len(e.loaded) - e.cfg.MaxLoadedChunks
	if over <= 0 {
		return
	}
	victims := make([]loadRequest, 0, len(dists))
	for c, d := range dists {
		if e.loaded[c].State() == chunk.StateActive {
			continue
		}
		victims = append(victims, loadRequest{c: c, dist: d})
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].dist != victims[j].dist {
			return victims[i].dist > victims[j].dist
		}
		return coordLess(victims[i].c, victims[j].c)
	})
	if over > len(victims) {
		over = len(victims)
	}
	for i := 0; i < over; i++ {
		c := victims[i].c
		e.setState(e.loaded[c], chunk.StateUnloading)
		if _, ok := e.queued[c]; !ok {
			e.unloadQ = append(e.unloadQ, c)
			e.queued[c] = struct{}{}
		}
	}
}

// assignLOD tiers the active set by viewer distance.
func (e *Engine) assignLOD(dists map[chunk.Coord]float32) {
	for c := range e.active {
		ch := e.loaded[c]
		d, ok := dists[c]
		if !ok {
			continue
		}
		switch {
		case d <= e.cfg.LOD1Distance:
			ch.SetLOD(0)
		case d <= e.cfg.LOD2Distance:
			ch.SetLOD(1)
		default:
			ch.SetLOD(2)
		}
	}
}

// refreshBorderOnly marks inactive chunks that share a face with an
// active chunk. They do not step, but the border pass feeds them so
// arriving fluid can wake them.
func (e *Engine) refreshBorderOnly() {
	for c := range e.borderOnly {
		if ch := e.loaded[c]; ch != nil && ch.State() == chunk.StateBorderOnly {
			e.setState(ch, chunk.StateInactive)
		}
	}
	for c := range e.active {
		for f := fluid.Face(0); f < fluid.FaceCount; f++ {
			nb := e.loaded[c.Neighbor(f)]
			if nb != nil && nb.State() == chunk.StateInactive {
				e.setState(nb, chunk.StateBorderOnly)
			}
		}
	}
}

// processLoads materializes queued chunks nearest first, within the
// frame budget and the shared rate bucket.
func (e *Engine) processLoads(now time.Time, viewers []mgl32.Vec3) {
	if len(e.loadQ) == 0 {
		return
	}
	sort.Slice(e.loadQ, func(i, j int) bool {
		if e.loadQ[i].dist != e.loadQ[j].dist {
			return e.loadQ[i].dist < e.loadQ[j].dist
		}
		return coordLess(e.loadQ[i].c, e.loadQ[j].c)
	})
	n, done := 0, 0
	for n < len(e.loadQ) && done < e.cfg.MaxChunksPerFrame {
		req := e.loadQ[n]
		if _, dup := e.loaded[req.c]; dup {
			n++
			delete(e.queued, req.c)
			continue
		}
		// Re-check range: viewers may have moved since enqueue.
		d := e.viewerDist(req.c.Center(e.cfg.ChunkSize, e.cfg.CellSize), viewers)
		if d > e.cfg.LoadDistance {
			n++
			delete(e.queued, req.c)
			continue
		}
		if len(e.loaded) >= e.cfg.MaxLoadedChunks {
			break
		}
		if !e.limiter.AllowN(now, 1) {
			break
		}
		n++
		delete(e.queued, req.c)
		e.materialize(req.c, d, now)
		done++
	}
	e.loadQ = e.loadQ[:copy(e.loadQ, e.loadQ[n:])]
}

func (e *Engine) processUnloads(now time.Time, viewers []mgl32.Vec3) {
	n, done := 0, 0
	for n < len(e.unloadQ) && done < e.cfg.MaxChunksPerFrame {
		c := e.unloadQ[n]
		ch, ok := e.loaded[c]
		if !ok {
			n++
			delete(e.queued, c)
			continue
		}
		// Rescue chunks the viewers came back for.
		d := e.viewerDist(c.Center(e.cfg.ChunkSize, e.cfg.CellSize), viewers)
		if d <= e.cfg.LoadDistance {
			n++
			delete(e.queued, c)
			if d <= e.cfg.ActiveDistance && len(e.active) < e.cfg.MaxActiveChunks {
				e.setState(ch, chunk.StateActive)
			} else {
				e.setState(ch, chunk.StateInactive)
			}
			continue
		}
		if !e.limiter.AllowN(now, 1) {
			break
		}
		n++
		delete(e.queued, c)
		e.evict(ch, now)
		done++
	}
	e.unloadQ = e.unloadQ[:copy(e.unloadQ, e.unloadQ[n:])]
}

// materialize builds the chunk at c: terrain first, then either the
// cached state or a fresh static-water stamp.
func (e *Engine) materialize(c chunk.Coord, dist float32, now time.Time) {
	ch, err := chunk.New(c, e.cfg.ChunkSize, e.cfg.CellSize, e.cfg.Fluid)
	if err != nil {
		e.warnf("load %s: %v", c, err)
		return
	}
	e.initTerrain(ch)

	restored := false
	if e.cache != nil {
		entry, err := e.cache.Get(c, now)
		switch {
		case err != nil:
			e.counters.Persistence++
			e.warnf("cache read %s: %v", c, err)
		case entry != nil:
			if err := ch.Deserialize(entry); err != nil {
				e.counters.Persistence++
				e.warnf("restore %s: %v", c, err)
			} else {
				restored = true
			}
		}
	}
	if !restored && e.cfg.EnableStaticWater {
		lo, hi := ch.WorldBounds()
		if len(e.waterStore.Intersecting(lo.X(), lo.Y(), hi.X(), hi.Y())) > 0 {
			e.waterStore.StampChunk(ch.Grid())
		}
	}

	e.loaded[c] = ch
	e.index.Insert(c, c.Center(e.cfg.ChunkSize, e.cfg.CellSize))
	if dist <= e.cfg.ActiveDistance && len(e.active) < e.cfg.MaxActiveChunks {
		e.setState(ch, chunk.StateActive)
	} else {
		e.setState(ch, chunk.StateInactive)
	}

	// Seed boundary slabs both ways so neither side treats the shared
	// face as an open boundary.
	for f := fluid.Face(0); f < fluid.FaceCount; f++ {
		nb := e.loaded[c.Neighbor(f)]
		if nb == nil || nb.Grid() == nil || nb.State() == chunk.StateUnloading {
			continue
		}
		ch.ApplyBorder(f, nb.ExtractBorder(f.Opposite()))
		nb.ApplyBorder(f.Opposite(), ch.ExtractBorder(f))
		nb.MarkSeamDirty()
	}
}

// evict serializes a chunk into the cache and releases it. Neighbors
// get their shared face reverted to an open boundary so they stop
// exchanging against a ghost slab.
func (e *Engine) evict(ch *chunk.Chunk, now time.Time) {
	c := ch.Coord
	if e.cache != nil && ch.Grid() != nil {
		e.cache.Put(ch.Serialize(now), now)
	}
	if e.sink != nil {
		e.sink.ClearChunkMesh(c)
	}
	for f := fluid.Face(0); f < fluid.FaceCount; f++ {
		nb := e.loaded[c.Neighbor(f)]
		if nb == nil || nb.Grid() == nil {
			continue
		}
		nb.ApplyBorder(f.Opposite(), nil)
		nb.MarkSeamDirty()
	}
	e.index.Remove(c)
	delete(e.active, c)
	delete(e.inactive, c)
	delete(e.borderOnly, c)
	delete(e.loaded, c)
	ch.Release()
}

// initTerrain samples the height field per column and, when the
// sampler answers 3-D queries, overrides solidity per cell.
func (e *Engine) initTerrain(ch *chunk.Chunk) {
	g := ch.Grid()
	n := ch.Size()
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			p := g.CellCenter(x, y, 0)
			h := e.terrain.SampleHeight(p.X(), p.Y())
			if h == HeightUnavailable {
				e.counters.Terrain++
				continue
			}
			if err := g.SetTerrainHeight(x, y, h); err != nil {
				e.counters.Terrain++
			}
		}
	}
	if e.solid == nil {
		return
	}
	for z := 0; z < n; z++ {
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				p := g.CellCenter(x, y, z)
				s := e.solid.SampleSolid(p.X(), p.Y(), p.Z())
				if s != g.IsSolid(x, y, z) {
					if err := g.SetCellSolid(x, y, z, s); err != nil {
						e.counters.Terrain++
					}
				}
			}
		}
	}
}

// setState moves a chunk between the classification sets.
func (e *Engine) setState(ch *chunk.Chunk, s chunk.State) {
	c := ch.Coord
	delete(e.active, c)
	delete(e.inactive, c)
	delete(e.borderOnly, c)
	ch.SetState(s)
	switch s {
	case chunk.StateActive:
		e.active[c] = struct{}{}
	case chunk.StateInactive:
		e.inactive[c] = struct{}{}
	case chunk.StateBorderOnly:
		e.borderOnly[c] = struct{}{}
	}
}

// viewerDist is the distance from p to the nearest viewer, +Inf with
// no viewers.
func (e *Engine) viewerDist(p mgl32.Vec3, viewers []mgl32.Vec3) float32 {
	best := float32(math.MaxFloat32)
	for _, v := range viewers {
		if d := v.Sub(p).Len(); d < best {
			best = d
		}
	}
	return best
}

func coordLess(a, b chunk.Coord) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

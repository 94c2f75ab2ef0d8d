package engine

import (
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/mathx"
	"hydrovox/internal/sim/mesh"
)

type meshJob struct {
	ch    *chunk.Chunk
	dist  float32
	built time.Time

	fp   uint64
	lod  int
	iso  float32
	out  *mesh.Mesh
	err  error
	skip bool
}

// rebuildMeshes finds chunks whose cached mesh went stale, rebuilds the
// closest MaxChunksPerFrame of them in parallel and submits the results
// in a fixed order. A chunk whose field fingerprint, LOD and iso all
// match the cached build keeps its mesh and only has its dirty
// trackers cleared.
func (e *Engine) rebuildMeshes(now time.Time) {
	if e.sink == nil {
		return
	}

	e.mu.Lock()
	jobs := make([]meshJob, 0, 16)
	for c, ch := range e.loaded {
		if ch.State() == chunk.StateUnloading || ch.Grid() == nil {
			continue
		}
		if !ch.NeedsRemesh(e.cfg.MeshChangeThreshold, e.cfg.MeshMaxAge, now) {
			continue
		}
		jobs = append(jobs, meshJob{
			ch:    ch,
			dist:  e.viewerDist(c.Center(e.cfg.ChunkSize, e.cfg.CellSize), e.lastViewers),
			built: ch.MeshBuiltAt(),
		})
	}
	e.mu.Unlock()
	if len(jobs) == 0 {
		return
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].dist != jobs[j].dist {
			return jobs[i].dist < jobs[j].dist
		}
		if !jobs[i].built.Equal(jobs[j].built) {
			return jobs[i].built.Before(jobs[j].built)
		}
		return coordLess(jobs[i].ch.Coord, jobs[j].ch.Coord)
	})
	if len(jobs) > e.cfg.MaxChunksPerFrame {
		jobs = jobs[:e.cfg.MaxChunksPerFrame]
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i := range jobs {
		i := i
		g.Go(func() error {
			e.buildOne(&jobs[i])
			return nil
		})
	}
	_ = g.Wait()

	for i := range jobs {
		j := &jobs[i]
		j.ch.MarkMeshed(j.fp, j.lod, j.iso, now)
		if j.skip {
			continue
		}
		if j.err != nil {
			e.counters.MeshBuild++
			e.warnf("mesh %s lod %d: %v", j.ch.Coord, j.lod, j.err)
		}
		e.sink.SubmitChunkMesh(j.ch.Coord, j.out, j.lod)
		e.meshRebuilds++
	}
}

func (e *Engine) buildOne(j *meshJob) {
	g := j.ch.Grid()
	j.fp = chunk.Fingerprint(g)
	j.lod = j.ch.LOD()
	j.iso = mesh.IsoForLOD(e.cfg.IsoLevel, j.lod)
	if j.ch.MeshValidFor(j.fp, j.lod, j.iso) {
		j.skip = true
		return
	}
	var field mesh.Field
	if j.lod >= 2 {
		field = mesh.GridField{Grid: g}
	} else {
		field = newSeamField(e, j.ch)
	}
	j.out, j.err = mesh.Build(field, e.cfg.CellSize, g.Origin(), j.iso)
}

// seamField samples a chunk's fluid and continues into loaded
// neighbors, so adjacent meshes share identical seam samples and tile
// without cracks. Reads into unloaded space fall back to the damped
// border value a lone GridField would produce.
type seamField struct {
	e    *Engine
	ch   *chunk.Chunk
	n    int
	memo map[chunk.Coord]*chunk.Chunk
}

func newSeamField(e *Engine, ch *chunk.Chunk) *seamField {
	return &seamField{
		e:    e,
		ch:   ch,
		n:    ch.Size(),
		memo: make(map[chunk.Coord]*chunk.Chunk, 8),
	}
}

func (f *seamField) Dims() (int, int, int) { return f.ch.Grid().Dims() }

func (f *seamField) Sample(x, y, z int) float32 {
	if x >= 0 && x < f.n && y >= 0 && y < f.n && z >= 0 && z < f.n {
		return f.ch.Grid().FluidAt(x, y, z)
	}
	ax := int(f.ch.Coord.X)*f.n + x
	ay := int(f.ch.Coord.Y)*f.n + y
	az := int(f.ch.Coord.Z)*f.n + z
	oc := chunk.CoordOfCell(ax, ay, az, f.n)
	own, seen := f.memo[oc]
	if !seen {
		own = f.e.ChunkAt(oc)
		if own != nil && (own.Grid() == nil || own.State() == chunk.StateUnloading) {
			own = nil
		}
		f.memo[oc] = own
	}
	if own != nil {
		return own.Grid().FluidAt(mathx.Mod(ax, f.n), mathx.Mod(ay, f.n), mathx.Mod(az, f.n))
	}
	dist := 0
	cx := clampAxis(x, f.n, &dist)
	cy := clampAxis(y, f.n, &dist)
	cz := clampAxis(z, f.n, &dist)
	return mesh.Falloff(f.ch.Grid().FluidAt(cx, cy, cz), dist)
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

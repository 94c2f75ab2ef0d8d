// Package engine drives the simulation: it streams chunks around
// viewers, steps active fluid in parallel, keeps chunk seams
// exchanging flow, and rebuilds render meshes that went stale. One
// Engine owns one world; all mutation happens on the goroutine that
// calls Tick, and the handful of read paths other goroutines use go
// through the engine mutex.
package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"hydrovox/internal/persistence/chunkcache"
	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/fluid"
	"hydrovox/internal/sim/mesh"
	"hydrovox/internal/sim/spatial"
	"hydrovox/internal/sim/water"
)

// ViewerProvider reports the viewpoints streaming decisions follow.
type ViewerProvider interface {
	ViewerPositions() []mgl32.Vec3
}

// FixedViewers is a static ViewerProvider.
type FixedViewers []mgl32.Vec3

func (v FixedViewers) ViewerPositions() []mgl32.Vec3 { return v }

// RenderSink receives mesh output. Submit and Clear are called from
// the driver goroutine, at most once per chunk per tick.
type RenderSink interface {
	SubmitChunkMesh(c chunk.Coord, m *mesh.Mesh, lod int)
	ClearChunkMesh(c chunk.Coord)
}

// Deps carries the engine's collaborators. Terrain and Viewers are
// required; the rest may be nil.
type Deps struct {
	Terrain TerrainSampler
	Viewers ViewerProvider
	Sink    RenderSink
	// Spill is the second cache tier unloaded chunks overflow into.
	Spill chunkcache.Store
	// Logger receives warnings. Nil silences them.
	Logger *log.Logger
	// StatsSink is called with a fresh sample roughly once per
	// second of simulated time.
	StatsSink func(Stats)
}

type loadRequest struct {
	c    chunk.Coord
	dist float32
}

// Engine is the simulation driver.
type Engine struct {
	cfg Config

	terrain TerrainSampler
	solid   SolidSampler
	viewers ViewerProvider
	sink    RenderSink
	logger  *log.Logger
	statsFn func(Stats)

	waterStore *water.Store
	activation *water.Manager
	cache      *chunkcache.Cache

	mu         sync.Mutex
	loaded     map[chunk.Coord]*chunk.Chunk
	active     map[chunk.Coord]struct{}
	inactive   map[chunk.Coord]struct{}
	borderOnly map[chunk.Coord]struct{}
	index      spatial.Index
	loadQ      []loadRequest
	unloadQ    []chunk.Coord
	queued     map[chunk.Coord]struct{}

	limiter *rate.Limiter

	frame        uint64
	streamAccum  time.Duration
	statsAccum   time.Duration
	lastViewers  []mgl32.Vec3
	reports      map[chunk.Coord]fluid.Report
	stepMillis   float64
	dropped      float64
	meshRebuilds uint64
	counters     Counters
}

// New validates cfg and builds an engine around deps.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Terrain == nil {
		return nil, fmt.Errorf("terrain sampler is required: %w", ErrConfig)
	}
	if deps.Viewers == nil {
		return nil, fmt.Errorf("viewer provider is required: %w", ErrConfig)
	}

	e := &Engine{
		cfg:        cfg,
		terrain:    deps.Terrain,
		viewers:    deps.Viewers,
		sink:       deps.Sink,
		logger:     deps.Logger,
		statsFn:    deps.StatsSink,
		waterStore: water.NewStore(),
		loaded:     make(map[chunk.Coord]*chunk.Chunk),
		active:     make(map[chunk.Coord]struct{}),
		inactive:   make(map[chunk.Coord]struct{}),
		borderOnly: make(map[chunk.Coord]struct{}),
		queued:     make(map[chunk.Coord]struct{}),
	}
	if s, ok := deps.Terrain.(SolidSampler); ok {
		e.solid = s
	}
	if cfg.EnableOctree {
		e.index = spatial.NewOctree()
	} else {
		e.index = spatial.NewLinear()
	}

	// Loads and unloads share one refill bucket sized so both queues
	// can drain a full frame budget per streaming interval.
	perSec := 2 * float64(cfg.MaxChunksPerFrame) / cfg.ChunkUpdateInterval.Seconds()
	e.limiter = rate.NewLimiter(rate.Limit(perSec), 2*cfg.MaxChunksPerFrame)

	if cfg.EnablePersistence {
		c, err := chunkcache.New(chunkcache.Config{
			MaxEntries: cfg.MaxCachedChunks,
			Expiration: cfg.CacheExpiration,
			Spill:      deps.Spill,
			Logger:     deps.Logger,
		})
		if err != nil {
			return nil, err
		}
		e.cache = c
	}
	if cfg.EnableActivation {
		e.activation = water.NewManager(cfg.Activation, e)
	}
	return e, nil
}

// Water exposes the static water store for region registration.
func (e *Engine) Water() *water.Store { return e.waterStore }

// Cache returns the persistence cache, nil when persistence is off.
func (e *Engine) Cache() *chunkcache.Cache { return e.cache }

// Tick advances the world by dt. Phases run in a fixed order:
// streaming (throttled to ChunkUpdateInterval), activation, the fluid
// step, border exchange, then mesh rebuilds.
func (e *Engine) Tick(now time.Time, dt time.Duration) {
	e.frame++
	e.lastViewers = e.viewers.ViewerPositions()

	e.streamAccum += dt
	if e.streamAccum >= e.cfg.ChunkUpdateInterval {
		e.streamAccum = 0
		e.updateStreaming(now)
	}

	if e.activation != nil {
		e.activation.Tick(now, dt)
	}

	e.step(float32(dt.Seconds()))
	e.syncBorders(float32(dt.Seconds()))
	e.rebuildMeshes(now)

	e.statsAccum += dt
	if e.statsAccum >= time.Second {
		e.statsAccum = 0
		if e.statsFn != nil {
			e.statsFn(e.Stats())
		}
	}
}

// ChunkAt returns the loaded chunk at c, nil otherwise.
func (e *Engine) ChunkAt(c chunk.Coord) *chunk.Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded[c]
}

// ChunksInRadius returns loaded chunks whose centers lie within radius
// of center.
func (e *Engine) ChunksInRadius(center mgl32.Vec3, radius float32) []*chunk.Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	coords := e.index.QueryRadius(center, radius)
	out := make([]*chunk.Chunk, 0, len(coords))
	for _, c := range coords {
		if ch := e.loaded[c]; ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

// Wake promotes ch to full-rate stepping because an activation region
// touched its cells. Region chunks step even past MaxActiveChunks; the
// manager re-wakes them every tick, so the set shrinks again as soon
// as the region settles.
func (e *Engine) Wake(ch *chunk.Chunk) {
	ch.Touch()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded[ch.Coord] != ch {
		return
	}
	e.pushBordersLocked(ch)
	switch ch.State() {
	case chunk.StateActive, chunk.StateUnloading:
		return
	}
	e.setState(ch, chunk.StateActive)
}

// pushBordersLocked refreshes every loaded neighbor's stored slab of
// ch. Seam transfers pair up only when both sides read the same
// pre-step values, so any mutation outside the step pass must re-export
// the boundary before the next tick. Caller holds e.mu.
func (e *Engine) pushBordersLocked(ch *chunk.Chunk) {
	if ch.Grid() == nil {
		return
	}
	for f := fluid.Face(0); f < fluid.FaceCount; f++ {
		nb := e.loaded[ch.Coord.Neighbor(f)]
		if nb == nil || nb.Grid() == nil || nb.State() == chunk.StateUnloading {
			continue
		}
		nb.ApplyBorder(f.Opposite(), ch.ExtractBorder(f))
		nb.MarkSeamDirty()
	}
}

// Disturb reports a terrain change to the activation manager. The
// second return is false when activation is disabled or the
// disturbance was below threshold.
func (e *Engine) Disturb(pos mgl32.Vec3, radius, magnitude float32) (uuid.UUID, bool) {
	if e.activation == nil {
		return uuid.Nil, false
	}
	return e.activation.Disturb(pos, radius, magnitude)
}

// AddFluidAt pours fluid into the cell containing pos. Positions
// outside loaded chunks are dropped and counted, not failed.
func (e *Engine) AddFluidAt(pos mgl32.Vec3, amount float32) {
	ch := e.ChunkAt(chunk.CoordAt(pos, e.cfg.ChunkSize, e.cfg.CellSize))
	if ch == nil || ch.Grid() == nil {
		e.counters.Bounds++
		return
	}
	g := ch.Grid()
	x, y, z := cellOf(g.Origin(), pos, e.cfg.CellSize)
	if err := g.AddFluid(x, y, z, amount); err != nil {
		e.counters.Bounds++
		return
	}
	ch.Touch()
	e.mu.Lock()
	e.pushBordersLocked(ch)
	e.mu.Unlock()
}

// FluidAt reads the fluid level of the cell containing pos, zero for
// unloaded space.
func (e *Engine) FluidAt(pos mgl32.Vec3) float32 {
	ch := e.ChunkAt(chunk.CoordAt(pos, e.cfg.ChunkSize, e.cfg.CellSize))
	if ch == nil || ch.Grid() == nil {
		return 0
	}
	g := ch.Grid()
	x, y, z := cellOf(g.Origin(), pos, e.cfg.CellSize)
	return g.FluidAt(x, y, z)
}

// ReloadTerrainIn re-samples terrain for loaded chunks intersecting
// the sphere, after telling the sampler to refresh. Columns that stop
// answering are counted per the usual policy.
func (e *Engine) ReloadTerrainIn(center mgl32.Vec3, radius float32) {
	e.terrain.RefreshInRadius(center, radius)
	span := e.cfg.span()
	reach := radius + span
	for _, ch := range e.ChunksInRadius(center, reach) {
		if ch.Grid() == nil {
			continue
		}
		e.initTerrain(ch)
		ch.Touch()
		e.mu.Lock()
		e.pushBordersLocked(ch)
		e.mu.Unlock()
	}
}

func cellOf(origin mgl32.Vec3, pos mgl32.Vec3, cellSize float32) (x, y, z int) {
	d := pos.Sub(origin)
	return int(d.X() / cellSize), int(d.Y() / cellSize), int(d.Z() / cellSize)
}

func (e *Engine) warnf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("engine: "+format, args...)
	}
}

package water

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"hydrovox/internal/sim/chunk"
	"hydrovox/internal/sim/fluid"
)

// World is the chunk access the activation manager works through.
type World interface {
	ChunkAt(c chunk.Coord) *chunk.Chunk
	ChunksInRadius(center mgl32.Vec3, radius float32) []*chunk.Chunk
	// Wake tells the world a region touched cells in ch, so the chunk
	// must step at full rate until the region settles.
	Wake(ch *chunk.Chunk)
}

// Config tunes the activation manager. Zero fields take defaults.
type Config struct {
	// TerrainChangeThreshold drops disturbances weaker than this.
	TerrainChangeThreshold float32
	// FluidSettleThreshold is the per-chunk activity under which a
	// region counts as quiet.
	FluidSettleThreshold float32
	// DeactivationDelay is how long a region must stay quiet before it
	// re-freezes.
	DeactivationDelay time.Duration
	// MaxActivationsPerFrame bounds queue drain per tick.
	MaxActivationsPerFrame int
	// MaxActiveRegions caps live regions; excess evicts the oldest.
	MaxActiveRegions int
	// MergeAge is the age past which overlapping regions merge.
	MergeAge time.Duration
	// PreserveFluidVolume reinstates source flags when re-freezing.
	PreserveFluidVolume bool
}

func (c *Config) applyDefaults() {
	if c.TerrainChangeThreshold == 0 {
		c.TerrainChangeThreshold = 0.1
	}
	if c.FluidSettleThreshold == 0 {
		c.FluidSettleThreshold = 1e-3
	}
	if c.DeactivationDelay == 0 {
		c.DeactivationDelay = 2 * time.Second
	}
	if c.MaxActivationsPerFrame == 0 {
		c.MaxActivationsPerFrame = 4
	}
	if c.MaxActiveRegions == 0 {
		c.MaxActiveRegions = 64
	}
	if c.MergeAge == 0 {
		c.MergeAge = 30 * time.Second
	}
}

type pendingActivation struct {
	id       uuid.UUID
	center   mgl32.Vec3
	radius   float32
	priority float32
	enqueued time.Time
}

type touchedCell struct {
	coord     chunk.Coord
	x, y, z   int
	wasSource bool
}

type activeRegion struct {
	id      uuid.UUID
	center  mgl32.Vec3
	radius  float32
	started time.Time
	quiet   time.Duration
	cells   []touchedCell
}

// Manager melts static water into live simulation around disturbances
// and freezes it back once the fluid has come to rest.
type Manager struct {
	cfg   Config
	world World

	mu    sync.Mutex
	queue []pendingActivation

	regions []*activeRegion
}

func NewManager(cfg Config, w World) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg, world: w}
}

// Disturb queues an activation around a terrain edit, injection or
// explosion. Events weaker than the terrain change threshold are
// dropped. Safe to call from any goroutine.
func (m *Manager) Disturb(pos mgl32.Vec3, radius, magnitude float32) (uuid.UUID, bool) {
	if magnitude < m.cfg.TerrainChangeThreshold || radius <= 0 {
		return uuid.Nil, false
	}
	p := pendingActivation{
		id:       uuid.New(),
		center:   pos,
		radius:   radius,
		priority: magnitude,
		enqueued: time.Now(),
	}
	m.mu.Lock()
	m.queue = append(m.queue, p)
	m.mu.Unlock()
	return p.id, true
}

func (m *Manager) ActiveRegions() int { return len(m.regions) }

func (m *Manager) QueuedActivations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Tick drains the activation queue within budget, merges aged regions,
// drops empty ones and re-freezes regions that stayed quiet long enough.
// Called from the driver tick only.
func (m *Manager) Tick(now time.Time, dt time.Duration) {
	m.mu.Lock()
	sort.SliceStable(m.queue, func(i, j int) bool {
		if m.queue[i].priority != m.queue[j].priority {
			return m.queue[i].priority > m.queue[j].priority
		}
		return m.queue[i].enqueued.Before(m.queue[j].enqueued)
	})
	n := len(m.queue)
	if n > m.cfg.MaxActivationsPerFrame {
		n = m.cfg.MaxActivationsPerFrame
	}
	batch := make([]pendingActivation, n)
	copy(batch, m.queue[:n])
	m.queue = m.queue[:copy(m.queue, m.queue[n:])]
	m.mu.Unlock()

	for _, p := range batch {
		m.activate(p, now)
	}
	m.mergeAged(now)

	keep := m.regions[:0]
	for _, reg := range m.regions {
		if m.regionEmpty(reg) {
			continue
		}
		if m.regionQuiet(reg) {
			reg.quiet += dt
		} else {
			reg.quiet = 0
		}
		if reg.quiet >= m.cfg.DeactivationDelay {
			m.freeze(reg)
			continue
		}
		m.keepAwake(reg)
		keep = append(keep, reg)
	}
	m.regions = keep
}

// keepAwake re-wakes the region's chunks each tick. Streaming may
// demote them between disturbances; a live region needs them stepping
// or its fluid never settles.
func (m *Manager) keepAwake(reg *activeRegion) {
	for _, ch := range m.world.ChunksInRadius(reg.center, reg.radius) {
		if ch.Grid() == nil {
			continue
		}
		m.world.Wake(ch)
	}
}

// activate wakes source cells that border an excavated empty cell and
// seeds those empty cells with fluid. Decisions come from the pre-state
// so scan order cannot matter.
func (m *Manager) activate(p pendingActivation, now time.Time) {
	for len(m.regions) >= m.cfg.MaxActiveRegions && len(m.regions) > 0 {
		oldest := 0
		for i, reg := range m.regions {
			if reg.started.Before(m.regions[oldest].started) {
				oldest = i
			}
		}
		m.freeze(m.regions[oldest])
		m.regions = append(m.regions[:oldest], m.regions[oldest+1:]...)
	}

	reg := &activeRegion{id: p.id, center: p.center, radius: p.radius, started: now}
	for _, ch := range m.world.ChunksInRadius(p.center, p.radius) {
		g := ch.Grid()
		if g == nil {
			continue
		}
		var wake, seed []touchedCell
		m.scanGrid(g, ch.Coord, p, &wake, &seed)
		if len(wake) == 0 && len(seed) == 0 {
			continue
		}
		for _, tc := range wake {
			g.WakeSource(tc.x, tc.y, tc.z, false)
		}
		full := g.Params().MaxLevel
		for _, tc := range seed {
			_ = g.AddFluid(tc.x, tc.y, tc.z, full)
		}
		reg.cells = append(reg.cells, wake...)
		reg.cells = append(reg.cells, seed...)
		m.world.Wake(ch)
	}
	if len(reg.cells) == 0 {
		return
	}
	m.regions = append(m.regions, reg)
}

func (m *Manager) scanGrid(g *fluid.Grid, c chunk.Coord, p pendingActivation, wake, seed *[]touchedCell) {
	x0, y0, z0, x1, y1, z1, ok := cellRange(g, p.center, p.radius)
	if !ok {
		return
	}
	dry := g.Params().MinLevel
	for z := z0; z <= z1; z++ {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				if g.CellCenter(x, y, z).Sub(p.center).Len() > p.radius {
					continue
				}
				switch {
				case g.IsSource(x, y, z):
					if hasNeighbor(g, x, y, z, func(nx, ny, nz int) bool {
						return !g.IsSolid(nx, ny, nz) && g.FluidAt(nx, ny, nz) < dry
					}) {
						*wake = append(*wake, touchedCell{c, x, y, z, true})
					}
				case !g.IsSolid(x, y, z) && g.FluidAt(x, y, z) < dry:
					if hasNeighbor(g, x, y, z, g.IsSource) {
						*seed = append(*seed, touchedCell{c, x, y, z, false})
					}
				}
			}
		}
	}
}

var neighborDirs = [6][3]int{
	{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1},
}

// hasNeighbor checks the in-grid 6-neighborhood. Cells across the chunk
// border are not inspected; the neighbor chunk wakes its own side when
// the disturbance sphere reaches it.
func hasNeighbor(g *fluid.Grid, x, y, z int, pred func(x, y, z int) bool) bool {
	for _, d := range neighborDirs {
		nx, ny, nz := x+d[0], y+d[1], z+d[2]
		if g.Index(nx, ny, nz) < 0 {
			continue
		}
		if pred(nx, ny, nz) {
			return true
		}
	}
	return false
}

// cellRange clips the sphere's bounding box to grid cells.
func cellRange(g *fluid.Grid, center mgl32.Vec3, radius float32) (x0, y0, z0, x1, y1, z1 int, ok bool) {
	sx, sy, sz := g.Dims()
	o := g.Origin()
	cs := float64(g.CellSize())
	r := float64(radius)
	lo := func(local float64) int {
		return int(math.Floor(local/cs - 0.5))
	}
	x0, y0, z0 = lo(float64(center.X()-o.X())-r), lo(float64(center.Y()-o.Y())-r), lo(float64(center.Z()-o.Z())-r)
	hi := func(local float64) int {
		return int(math.Ceil(local/cs - 0.5))
	}
	x1, y1, z1 = hi(float64(center.X()-o.X())+r), hi(float64(center.Y()-o.Y())+r), hi(float64(center.Z()-o.Z())+r)
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if z0 < 0 {
		z0 = 0
	}
	if x1 >= sx {
		x1 = sx - 1
	}
	if y1 >= sy {
		y1 = sy - 1
	}
	if z1 >= sz {
		z1 = sz - 1
	}
	ok = x0 <= x1 && y0 <= y1 && z0 <= z1
	return
}

func (m *Manager) regionQuiet(reg *activeRegion) bool {
	for _, ch := range m.world.ChunksInRadius(reg.center, reg.radius) {
		if ch.Activity() > m.cfg.FluidSettleThreshold {
			return false
		}
	}
	return true
}

func (m *Manager) regionEmpty(reg *activeRegion) bool {
	for _, tc := range reg.cells {
		ch := m.world.ChunkAt(tc.coord)
		if ch == nil {
			continue
		}
		g := ch.Grid()
		if g == nil {
			continue
		}
		if g.FluidAt(tc.x, tc.y, tc.z) > g.Params().MinLevel {
			return false
		}
	}
	return true
}

// freeze settles the region's cells back down. Source flags come back
// only when the config preserves fluid volume.
func (m *Manager) freeze(reg *activeRegion) {
	for _, tc := range reg.cells {
		ch := m.world.ChunkAt(tc.coord)
		if ch == nil {
			continue
		}
		g := ch.Grid()
		if g == nil {
			continue
		}
		g.Resettle(tc.x, tc.y, tc.z, tc.wasSource && m.cfg.PreserveFluidVolume)
	}
}

// mergeAged folds overlapping regions into the older one once past the
// merge age, keeping the deactivation bookkeeping in one place.
func (m *Manager) mergeAged(now time.Time) {
	for i := 0; i < len(m.regions); i++ {
		a := m.regions[i]
		if now.Sub(a.started) < m.cfg.MergeAge {
			continue
		}
		for j := len(m.regions) - 1; j > i; j-- {
			b := m.regions[j]
			if a.center.Sub(b.center).Len() > a.radius+b.radius {
				continue
			}
			a.absorb(b)
			m.regions = append(m.regions[:j], m.regions[j+1:]...)
		}
	}
}

func (r *activeRegion) absorb(o *activeRegion) {
	d := o.center.Sub(r.center).Len()
	if d+o.radius > r.radius {
		rad := (d + r.radius + o.radius) / 2
		if d > 1e-6 {
			r.center = r.center.Add(o.center.Sub(r.center).Mul((rad - r.radius) / d))
		}
		r.radius = rad
	}
	if o.started.Before(r.started) {
		r.started = o.started
	}
	r.cells = append(r.cells, o.cells...)
	r.quiet = 0
}

package chunk

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/fluid"
)

// State is the chunk lifecycle position, owned by the chunk manager.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateActive
	StateInactive
	StateBorderOnly
	StateUnloading
)

var stateNames = [...]string{"unloaded", "loading", "active", "inactive", "border_only", "unloading"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "?"
	}
	return stateNames[s]
}

const (
	// inactiveSkipFrames is how long a chunk must report no activity
	// before its step is skipped outright.
	inactiveSkipFrames = 60
	// downshift ladder: after these many quiet frames the chunk steps
	// every 2nd, then every 4th global tick.
	downshift1After = 15
	downshift2After = 30
	// quietActivity is the per-step activity below which a frame counts
	// as quiet.
	quietActivity = 1e-3
)

// Chunk is one cubic region of cells with its own grid, LOD state and
// mesh bookkeeping. All fields except the pending border slabs are
// touched only by the driver goroutine or the single step worker that
// owns the chunk for a tick.
type Chunk struct {
	Coord Coord

	n        int
	cellSize float32
	grid     *fluid.Grid

	state State
	lod   int

	mu         sync.Mutex
	pending    [fluid.FaceCount]*fluid.Border
	pendingSet [fluid.FaceCount]bool

	inactiveFrames int
	downshift      uint

	accumDelta   float32
	borderDirty  bool
	lastActivity float32

	hasMesh   bool
	meshFP    uint64
	meshLOD   int
	meshIso   float32
	meshBuilt time.Time
}

// New allocates a chunk with an empty grid at the coord's world origin.
func New(c Coord, n int, cellSize float32, p fluid.Params) (*Chunk, error) {
	g, err := fluid.NewGrid(n, n, n, cellSize, c.Origin(n, cellSize), p)
	if err != nil {
		return nil, err
	}
	return &Chunk{
		Coord:    c,
		n:        n,
		cellSize: cellSize,
		grid:     g,
		state:    StateLoading,
	}, nil
}

func (ch *Chunk) Grid() *fluid.Grid { return ch.grid }
func (ch *Chunk) Size() int         { return ch.n }
func (ch *Chunk) State() State      { return ch.state }
func (ch *Chunk) SetState(s State)  { ch.state = s }
func (ch *Chunk) LOD() int          { return ch.lod }

func (ch *Chunk) SetLOD(l int) {
	if l < 0 {
		l = 0
	}
	if l > 2 {
		l = 2
	}
	ch.lod = l
}

// WorldBounds returns the chunk's axis-aligned extent.
func (ch *Chunk) WorldBounds() (min, max mgl32.Vec3) {
	min = ch.Coord.Origin(ch.n, ch.cellSize)
	span := float32(ch.n) * ch.cellSize
	max = mgl32.Vec3{min.X() + span, min.Y() + span, min.Z() + span}
	return min, max
}

func (ch *Chunk) HasActiveFluid() bool {
	return ch.grid != nil && ch.grid.HasActiveFluid()
}

func (ch *Chunk) TotalVolume() float32 {
	if ch.grid == nil {
		return 0
	}
	return ch.grid.TotalVolume()
}

// Activity returns the fluid movement reported by the last step.
func (ch *Chunk) Activity() float32 { return ch.lastActivity }

// Touch resets the frequency gates after an external mutation.
func (ch *Chunk) Touch() {
	ch.inactiveFrames = 0
	ch.downshift = 0
}

// ApplyBorder stores a neighbor slab for the next step. Safe to call
// from the border sync pass while other chunks are idle; the slab is
// consumed at the start of the chunk's next step. A nil slab marks the
// face as an open boundary.
func (ch *Chunk) ApplyBorder(f fluid.Face, b *fluid.Border) {
	ch.mu.Lock()
	ch.pending[f] = b
	ch.pendingSet[f] = true
	ch.mu.Unlock()
}

// ExtractBorder copies the chunk's post-step boundary layer at f.
func (ch *Chunk) ExtractBorder(f fluid.Face) *fluid.Border {
	return ch.grid.ExtractBorder(f)
}

// installPending moves stored slabs into the grid and reports whether
// any of them carried fluid.
func (ch *Chunk) installPending() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	woke := false
	for f := fluid.Face(0); f < fluid.FaceCount; f++ {
		if !ch.pendingSet[f] {
			continue
		}
		b := ch.pending[f]
		ch.pending[f] = nil
		ch.pendingSet[f] = false
		if err := ch.grid.SetBorder(f, b); err != nil {
			continue
		}
		if b.HasFluid() {
			woke = true
		}
	}
	return woke
}

// Step advances the chunk's fluid by dt, honoring the LOD and frequency
// gates. frame is the global tick counter used for down-rated stepping.
func (ch *Chunk) Step(dt float32, frame uint64) fluid.Report {
	if ch.grid == nil {
		return fluid.Report{}
	}
	if ch.installPending() {
		ch.Touch()
	}

	if ch.inactiveFrames > inactiveSkipFrames {
		ch.inactiveFrames++
		return fluid.Report{}
	}
	if ch.downshift > 0 && frame%(1<<ch.downshift) != 0 {
		return fluid.Report{}
	}

	mode, d := fluid.StepFull, dt
	switch ch.lod {
	case 1:
		mode, d = fluid.StepFlowOnly, dt/2
	case 2:
		mode, d = fluid.StepGravityOnly, dt/4
	}
	rep := ch.grid.Step(d, mode)

	ch.lastActivity = rep.Activity
	ch.accumDelta += rep.Activity
	if rep.BorderOut {
		ch.borderDirty = true
	}

	if rep.Worked && rep.Activity > quietActivity {
		ch.inactiveFrames = 0
		ch.downshift = 0
		return rep
	}
	ch.inactiveFrames++
	switch {
	case ch.inactiveFrames > downshift2After:
		ch.downshift = 2
	case ch.inactiveFrames > downshift1After:
		ch.downshift = 1
	}
	return rep
}

// MarkSeamDirty flags the mesh for rebuild because a neighbor's
// boundary layer changed under it.
func (ch *Chunk) MarkSeamDirty() { ch.borderDirty = true }

// NeedsRemesh implements the mesh cache validity rules: enough
// accumulated change, a dirty border, an LOD switch, or simple age.
func (ch *Chunk) NeedsRemesh(changeThreshold float32, maxAge time.Duration, now time.Time) bool {
	if ch.grid == nil {
		return false
	}
	if !ch.hasMesh {
		return true
	}
	if ch.lod != ch.meshLOD {
		return true
	}
	if ch.borderDirty {
		return true
	}
	if ch.accumDelta > changeThreshold {
		return true
	}
	return now.Sub(ch.meshBuilt) > maxAge
}

// MarkMeshed records a completed rebuild and clears the dirty trackers.
func (ch *Chunk) MarkMeshed(fp uint64, lod int, iso float32, now time.Time) {
	ch.hasMesh = true
	ch.meshFP = fp
	ch.meshLOD = lod
	ch.meshIso = iso
	ch.meshBuilt = now
	ch.accumDelta = 0
	ch.borderDirty = false
}

// MeshFingerprint returns the fingerprint recorded at the last rebuild.
func (ch *Chunk) MeshFingerprint() (uint64, bool) {
	return ch.meshFP, ch.hasMesh
}

// MeshValidFor reports whether the cached mesh was built from the same
// field fingerprint at the same LOD and iso, in which case a rebuild
// would reproduce it.
func (ch *Chunk) MeshValidFor(fp uint64, lod int, iso float32) bool {
	return ch.hasMesh && ch.meshFP == fp && ch.meshLOD == lod && ch.meshIso == iso
}

// MeshBuiltAt returns the time of the last completed rebuild, zero if
// the chunk has never been meshed.
func (ch *Chunk) MeshBuiltAt() time.Time { return ch.meshBuilt }

// Release frees the cell arrays. The chunk is unusable afterwards.
func (ch *Chunk) Release() {
	ch.grid = nil
	ch.state = StateUnloaded
}

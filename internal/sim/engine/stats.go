package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"hydrovox/internal/sim/chunk"
)

// Counters are cumulative error tallies. They only grow; all
// increments happen on the driver goroutine.
type Counters struct {
	// Terrain counts columns or cells the sampler could not answer.
	Terrain uint64
	// Persistence counts discarded cache reads and writes.
	Persistence uint64
	// MeshBuild counts rebuilds that produced an empty mesh.
	MeshBuild uint64
	// Bounds counts fluid operations aimed at unloaded space.
	Bounds uint64
}

// Stats is one engine sample.
type Stats struct {
	Frame      uint64
	Loaded     int
	Active     int
	Inactive   int
	BorderOnly int

	QueuedLoads   int
	QueuedUnloads int
	Cached        int

	// TotalVolume sums fluid over every loaded chunk.
	TotalVolume float32
	// DroppedVolume is fluid lost through open boundaries since
	// start.
	DroppedVolume float64
	// StepMillis is the duration of the last step pass.
	StepMillis float64
	// MeshRebuilds counts completed rebuilds since start.
	MeshRebuilds uint64

	ActiveRegions     int
	QueuedActivations int

	Counters Counters
}

// Stats computes a fresh sample.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{
		Frame:         e.frame,
		Loaded:        len(e.loaded),
		Active:        len(e.active),
		Inactive:      len(e.inactive),
		BorderOnly:    len(e.borderOnly),
		QueuedLoads:   len(e.loadQ),
		QueuedUnloads: len(e.unloadQ),
		DroppedVolume: e.dropped,
		StepMillis:    e.stepMillis,
		MeshRebuilds:  e.meshRebuilds,
		Counters:      e.counters,
	}
	for _, ch := range e.loaded {
		s.TotalVolume += ch.TotalVolume()
	}
	e.mu.Unlock()

	if e.cache != nil {
		s.Cached = e.cache.Len()
	}
	if e.activation != nil {
		s.ActiveRegions = e.activation.ActiveRegions()
		s.QueuedActivations = e.activation.QueuedActivations()
	}
	return s
}

// Digest hashes the fingerprints of every loaded chunk in coordinate
// order. Two runs that streamed and stepped identically produce the
// same digest, which is what the soak harness compares.
func (e *Engine) Digest() string {
	e.mu.Lock()
	coords := make([]chunk.Coord, 0, len(e.loaded))
	for c := range e.loaded {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool { return coordLess(coords[i], coords[j]) })

	h := sha256.New()
	var buf [8]byte
	for _, c := range coords {
		binary.LittleEndian.PutUint32(buf[:4], uint32(c.X))
		h.Write(buf[:4])
		binary.LittleEndian.PutUint32(buf[:4], uint32(c.Y))
		h.Write(buf[:4])
		binary.LittleEndian.PutUint32(buf[:4], uint32(c.Z))
		h.Write(buf[:4])
		if g := e.loaded[c].Grid(); g != nil {
			binary.LittleEndian.PutUint64(buf[:], chunk.Fingerprint(g))
			h.Write(buf[:])
		}
	}
	e.mu.Unlock()
	return hex.EncodeToString(h.Sum(nil))
}

// Package log appends engine telemetry as hourly-rotated,
// zstd-compressed JSONL files.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"hydrovox/internal/sim/engine"
)

// JSONLZstdWriter appends one JSON document per line to
// <baseDir>/<prefix>-<utc hour>.jsonl.zst, rotating on the hour. Safe
// for concurrent use.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := now.UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// StatsSample is one line of the stats log.
type StatsSample struct {
	TS                string  `json:"ts"`
	Frame             uint64  `json:"frame"`
	Loaded            int     `json:"loaded"`
	Active            int     `json:"active"`
	Inactive          int     `json:"inactive"`
	BorderOnly        int     `json:"border_only"`
	Cached            int     `json:"cached"`
	QueuedLoads       int     `json:"queued_loads"`
	QueuedUnloads     int     `json:"queued_unloads"`
	TotalVolume       float32 `json:"total_volume"`
	DroppedVolume     float64 `json:"dropped_volume"`
	StepMillis        float64 `json:"step_ms"`
	MeshRebuilds      uint64  `json:"mesh_rebuilds"`
	ActiveRegions     int     `json:"active_regions"`
	QueuedActivations int     `json:"queued_activations"`
	TerrainErrors     uint64  `json:"terrain_errors"`
	PersistenceErrors uint64  `json:"persistence_errors"`
	MeshBuildErrors   uint64  `json:"mesh_build_errors"`
	BoundsErrors      uint64  `json:"bounds_errors"`
	Digest            string  `json:"digest,omitempty"`
}

// Sample flattens an engine sample for the log.
func Sample(now time.Time, s engine.Stats, digest string) StatsSample {
	return StatsSample{
		TS:                now.UTC().Format(time.RFC3339Nano),
		Frame:             s.Frame,
		Loaded:            s.Loaded,
		Active:            s.Active,
		Inactive:          s.Inactive,
		BorderOnly:        s.BorderOnly,
		Cached:            s.Cached,
		QueuedLoads:       s.QueuedLoads,
		QueuedUnloads:     s.QueuedUnloads,
		TotalVolume:       s.TotalVolume,
		DroppedVolume:     s.DroppedVolume,
		StepMillis:        s.StepMillis,
		MeshRebuilds:      s.MeshRebuilds,
		ActiveRegions:     s.ActiveRegions,
		QueuedActivations: s.QueuedActivations,
		TerrainErrors:     s.Counters.Terrain,
		PersistenceErrors: s.Counters.Persistence,
		MeshBuildErrors:   s.Counters.MeshBuild,
		BoundsErrors:      s.Counters.Bounds,
		Digest:            digest,
	}
}

// StatsLogger writes one compressed JSONL entry per engine sample.
type StatsLogger struct{ w *JSONLZstdWriter }

func NewStatsLogger(dir string) *StatsLogger {
	return &StatsLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "stats"), "stats")}
}

func (l *StatsLogger) WriteSample(now time.Time, s engine.Stats, digest string) error {
	return l.w.Write(Sample(now, s, digest), now)
}
func (l *StatsLogger) Close() error { return l.w.Close() }

// DisturbanceRecord is one line of the disturbance log.
type DisturbanceRecord struct {
	TS        string  `json:"ts"`
	ID        string  `json:"id,omitempty"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
	Radius    float32 `json:"radius"`
	Magnitude float32 `json:"magnitude"`
	Accepted  bool    `json:"accepted"`
}

// DisturbanceLogger records activation requests (compressed).
type DisturbanceLogger struct{ w *JSONLZstdWriter }

func NewDisturbanceLogger(dir string) *DisturbanceLogger {
	return &DisturbanceLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "disturbances"), "disturbances")}
}

func (l *DisturbanceLogger) WriteDisturbance(now time.Time, r DisturbanceRecord) error {
	r.TS = now.UTC().Format(time.RFC3339Nano)
	return l.w.Write(r, now)
}
func (l *DisturbanceLogger) Close() error { return l.w.Close() }

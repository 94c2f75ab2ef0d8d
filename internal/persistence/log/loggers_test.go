package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"hydrovox/internal/sim/engine"
)

var logEpoch = time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)

func readJSONL(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	var lines []string
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return lines
}

func TestStatsLoggerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewStatsLogger(dir)

	s := engine.Stats{
		Frame:         42,
		Loaded:        9,
		Active:        5,
		TotalVolume:   128.5,
		DroppedVolume: 0.25,
		StepMillis:    1.75,
		MeshRebuilds:  3,
	}
	s.Counters.Persistence = 2
	if err := l.WriteSample(logEpoch, s, "abc123"); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := l.WriteSample(logEpoch.Add(time.Second), engine.Stats{Frame: 43}, ""); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "stats", "stats-2024-03-10-14.jsonl.zst")
	lines := readJSONL(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var got StatsSample
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Frame != 42 || got.Loaded != 9 || got.Active != 5 {
		t.Fatalf("sample = %+v", got)
	}
	if got.TotalVolume != 128.5 || got.DroppedVolume != 0.25 {
		t.Fatalf("volumes = %v / %v", got.TotalVolume, got.DroppedVolume)
	}
	if got.PersistenceErrors != 2 {
		t.Fatalf("persistence errors = %d, want 2", got.PersistenceErrors)
	}
	if got.Digest != "abc123" {
		t.Fatalf("digest = %q", got.Digest)
	}
	if got.TS != logEpoch.Format(time.RFC3339Nano) {
		t.Fatalf("ts = %q", got.TS)
	}

	var second StatsSample
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second.Frame != 43 || second.Digest != "" {
		t.Fatalf("second sample = %+v", second)
	}
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "stats")

	if err := w.Write(map[string]int{"n": 1}, logEpoch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(map[string]int{"n": 2}, logEpoch.Add(15*time.Minute)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(map[string]int{"n": 3}, logEpoch.Add(45*time.Minute)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first := readJSONL(t, filepath.Join(dir, "stats-2024-03-10-14.jsonl.zst"))
	second := readJSONL(t, filepath.Join(dir, "stats-2024-03-10-15.jsonl.zst"))
	if len(first) != 2 || len(second) != 1 {
		t.Fatalf("lines = %d / %d, want 2 / 1", len(first), len(second))
	}
	if first[0] != `{"n":1}` || second[0] != `{"n":3}` {
		t.Fatalf("payloads = %q / %q", first[0], second[0])
	}
}

func TestDisturbanceLoggerRecords(t *testing.T) {
	dir := t.TempDir()
	l := NewDisturbanceLogger(dir)

	rec := DisturbanceRecord{
		ID:        "d1",
		X:         150,
		Y:         -25,
		Z:         300,
		Radius:    120,
		Magnitude: 0.4,
		Accepted:  true,
	}
	if err := l.WriteDisturbance(logEpoch, rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := filepath.Join(dir, "disturbances", "disturbances-2024-03-10-14.jsonl.zst")
	lines := readJSONL(t, path)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	var got DisturbanceRecord
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "d1" || !got.Accepted {
		t.Fatalf("record = %+v", got)
	}
	if got.X != 150 || got.Y != -25 || got.Z != 300 {
		t.Fatalf("position = %v %v %v", got.X, got.Y, got.Z)
	}
	if got.TS == "" {
		t.Fatalf("ts not stamped")
	}
}

func TestReopenAppendsToSameHour(t *testing.T) {
	dir := t.TempDir()

	w := NewJSONLZstdWriter(dir, "stats")
	if err := w.Write(map[string]int{"n": 1}, logEpoch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w = NewJSONLZstdWriter(dir, "stats")
	if err := w.Write(map[string]int{"n": 2}, logEpoch.Add(time.Minute)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readJSONL(t, filepath.Join(dir, "stats-2024-03-10-14.jsonl.zst"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
}

package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hydrovox/internal/sim/engine"
)

func writeTuning(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeTuning(t, `
streaming:
  chunk_size: 16
  workers: 3
fluid:
  flow_rate: 0.5
water:
  - min_x: -500
    min_y: -500
    max_x: 500
    max_y: 500
    level: 120
server:
  addr: ":9100"
`)
	tn, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tn.Streaming.ChunkSize != 16 || tn.Streaming.Workers != 3 {
		t.Fatalf("overrides not applied: %+v", tn.Streaming)
	}
	if tn.Streaming.UnloadDistance != Defaults().Streaming.UnloadDistance {
		t.Fatalf("absent key lost its default")
	}
	if !tn.Fluid.EnableSettling {
		t.Fatalf("absent bool lost its default")
	}
	if tn.Server.Addr != ":9100" {
		t.Fatalf("server addr = %q", tn.Server.Addr)
	}

	cfg := tn.EngineConfig()
	if !cfg.EnableStaticWater {
		t.Fatalf("water entries did not enable static water")
	}
	if got := len(tn.Regions()); got != 1 {
		t.Fatalf("regions = %d, want 1", got)
	}
	if cfg.Fluid.FlowRate != 0.5 {
		t.Fatalf("fluid params not threaded: %g", cfg.Fluid.FlowRate)
	}
	if err := tn.Validate(); err != nil {
		t.Fatalf("merged tree invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("missing file did not error")
	}
}

func TestLoadRejectsBadYaml(t *testing.T) {
	path := writeTuning(t, "streaming: [not a map")
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml did not error")
	}
}

func TestValidateCatchesBadTrees(t *testing.T) {
	tn := Defaults()
	tn.Streaming.LoadDistance = tn.Streaming.ActiveDistance - 1
	if err := tn.Validate(); !errors.Is(err, engine.ErrConfig) {
		t.Fatalf("inverted distances: Validate = %v", err)
	}

	tn = Defaults()
	tn.Server.TickRateHz = 0
	if err := tn.Validate(); !errors.Is(err, engine.ErrConfig) {
		t.Fatalf("zero tick rate: Validate = %v", err)
	}

	tn = Defaults()
	tn.Water = []WaterRegion{{MinX: 10, MaxX: -10, MinY: 0, MaxY: 5, Level: 100}}
	if err := tn.Validate(); !errors.Is(err, engine.ErrConfig) {
		t.Fatalf("empty rectangle: Validate = %v", err)
	}
}

func TestConversionUnits(t *testing.T) {
	tn := Defaults()
	cfg := tn.EngineConfig()
	if cfg.ChunkUpdateInterval != 250*time.Millisecond {
		t.Fatalf("update interval = %v", cfg.ChunkUpdateInterval)
	}
	if cfg.MeshMaxAge != 2*time.Second {
		t.Fatalf("mesh max age = %v", cfg.MeshMaxAge)
	}
	if cfg.CacheExpiration != 5*time.Minute {
		t.Fatalf("cache expiration = %v", cfg.CacheExpiration)
	}
	if got := tn.ActivationConfig().DeactivationDelay; got != 2*time.Second {
		t.Fatalf("deactivation delay = %v", got)
	}
	if got := tn.FluidParams().SettleFrames; got != 5 {
		t.Fatalf("settle frames = %d", got)
	}
}

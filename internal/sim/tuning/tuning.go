// Package tuning loads the yaml configuration tree behind
// configs/tuning.yaml and converts it into engine terms.
package tuning

import (
	"fmt"
	"os"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"gopkg.in/yaml.v3"

	"hydrovox/internal/sim/engine"
	"hydrovox/internal/sim/fluid"
	"hydrovox/internal/sim/water"
)

// Tuning is the full configuration tree. Load unmarshals over Defaults,
// so a file only needs the keys it changes.
type Tuning struct {
	Streaming   Streaming     `yaml:"streaming"`
	Fluid       Fluid         `yaml:"fluid"`
	Activation  Activation    `yaml:"activation"`
	Terrain     Terrain       `yaml:"terrain"`
	Water       []WaterRegion `yaml:"water"`
	Persistence Persistence   `yaml:"persistence"`
	Server      Server        `yaml:"server"`
}

// Streaming covers chunk geometry, the distance bands and the per-frame
// budgets. Distances are world units.
type Streaming struct {
	CellSize              float32 `yaml:"cell_size"`
	ChunkSize             int     `yaml:"chunk_size"`
	ActiveDistance        float32 `yaml:"active_distance"`
	LoadDistance          float32 `yaml:"load_distance"`
	UnloadDistance        float32 `yaml:"unload_distance"`
	LOD1Distance          float32 `yaml:"lod1_distance"`
	LOD2Distance          float32 `yaml:"lod2_distance"`
	MaxActiveChunks       int     `yaml:"max_active_chunks"`
	MaxLoadedChunks       int     `yaml:"max_loaded_chunks"`
	MaxCachedChunks       int     `yaml:"max_cached_chunks"`
	MaxChunksPerFrame     int     `yaml:"max_chunks_per_frame"`
	ChunkUpdateIntervalMs int     `yaml:"chunk_update_interval_ms"`
	ZBand                 int32   `yaml:"z_band"`
	IsoLevel              float32 `yaml:"iso_level"`
	MeshChangeThreshold   float32 `yaml:"mesh_change_threshold"`
	MeshMaxAgeMs          int     `yaml:"mesh_max_age_ms"`
	// Workers zero means one per CPU.
	Workers           int  `yaml:"workers"`
	ParallelThreshold int  `yaml:"parallel_threshold"`
	Octree            bool `yaml:"octree"`
}

type Fluid struct {
	MaxLevel              float32 `yaml:"max_level"`
	MinLevel              float32 `yaml:"min_level"`
	FlowRate              float32 `yaml:"flow_rate"`
	EqualizationRate      float32 `yaml:"equalization_rate"`
	CompressionThreshold  float32 `yaml:"compression_threshold"`
	SettleChangeThreshold float32 `yaml:"settle_change_threshold"`
	SettleFrames          int     `yaml:"settle_frames"`
	EnableSettling        bool    `yaml:"enable_settling"`
}

type Activation struct {
	Enabled                bool    `yaml:"enabled"`
	TerrainChangeThreshold float32 `yaml:"terrain_change_threshold"`
	FluidSettleThreshold   float32 `yaml:"fluid_settle_threshold"`
	DeactivationDelayMs    int     `yaml:"deactivation_delay_ms"`
	MaxActivationsPerFrame int     `yaml:"max_activations_per_frame"`
	MaxActiveRegions       int     `yaml:"max_active_regions"`
	MergeAgeMs             int     `yaml:"merge_age_ms"`
	PreserveFluidVolume    bool    `yaml:"preserve_fluid_volume"`
}

// Terrain parameterizes the built-in procedural sampler.
type Terrain struct {
	Seed       int64   `yaml:"seed"`
	Base       float32 `yaml:"base"`
	Amplitude  float32 `yaml:"amplitude"`
	Wavelength float32 `yaml:"wavelength"`
	Octaves    int     `yaml:"octaves"`
}

// WaterRegion is one standing-water rectangle. Depth zero means
// bottomless.
type WaterRegion struct {
	MinX     float32 `yaml:"min_x"`
	MinY     float32 `yaml:"min_y"`
	MaxX     float32 `yaml:"max_x"`
	MaxY     float32 `yaml:"max_y"`
	Level    float32 `yaml:"level"`
	Depth    float32 `yaml:"depth"`
	Priority int     `yaml:"priority"`
}

type Persistence struct {
	Enabled bool `yaml:"enabled"`
	// Path is the sqlite file below the memory cache; empty keeps
	// persistence memory-only.
	Path          string `yaml:"path"`
	ExpirationSec int    `yaml:"expiration_sec"`
}

type Server struct {
	Addr       string `yaml:"addr"`
	TickRateHz int    `yaml:"tick_rate_hz"`
	// LogDir receives the rotating stats logs; empty disables them.
	LogDir string `yaml:"log_dir"`
}

// Defaults is the tree the daemon runs with when no file is given.
func Defaults() Tuning {
	ec := engine.DefaultConfig()
	fp := fluid.DefaultParams()
	return Tuning{
		Streaming: Streaming{
			CellSize:              ec.CellSize,
			ChunkSize:             ec.ChunkSize,
			ActiveDistance:        ec.ActiveDistance,
			LoadDistance:          ec.LoadDistance,
			UnloadDistance:        ec.UnloadDistance,
			LOD1Distance:          ec.LOD1Distance,
			LOD2Distance:          ec.LOD2Distance,
			MaxActiveChunks:       ec.MaxActiveChunks,
			MaxLoadedChunks:       ec.MaxLoadedChunks,
			MaxCachedChunks:       ec.MaxCachedChunks,
			MaxChunksPerFrame:     ec.MaxChunksPerFrame,
			ChunkUpdateIntervalMs: int(ec.ChunkUpdateInterval / time.Millisecond),
			ZBand:                 ec.ZBand,
			IsoLevel:              ec.IsoLevel,
			MeshChangeThreshold:   ec.MeshChangeThreshold,
			MeshMaxAgeMs:          int(ec.MeshMaxAge / time.Millisecond),
			Workers:               0,
			ParallelThreshold:     ec.ParallelThreshold,
		},
		Fluid: Fluid{
			MaxLevel:              fp.MaxLevel,
			MinLevel:              fp.MinLevel,
			FlowRate:              fp.FlowRate,
			EqualizationRate:      fp.EqualizationRate,
			CompressionThreshold:  fp.CompressionThreshold,
			SettleChangeThreshold: fp.SettleChangeThreshold,
			SettleFrames:          int(fp.SettleFrames),
			EnableSettling:        fp.EnableSettling,
		},
		Activation: Activation{
			Enabled:                true,
			TerrainChangeThreshold: 0.1,
			FluidSettleThreshold:   1e-3,
			DeactivationDelayMs:    2000,
			MaxActivationsPerFrame: 4,
			MaxActiveRegions:       64,
			MergeAgeMs:             30000,
			PreserveFluidVolume:    true,
		},
		Terrain: Terrain{
			Seed:       1,
			Base:       200,
			Amplitude:  400,
			Wavelength: 1600,
			Octaves:    4,
		},
		Persistence: Persistence{
			Enabled:       true,
			ExpirationSec: int(ec.CacheExpiration / time.Second),
		},
		Server: Server{
			Addr:       ":8764",
			TickRateHz: 30,
		},
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// EngineConfig assembles the engine configuration this tree describes.
func (t Tuning) EngineConfig() engine.Config {
	s := t.Streaming
	return engine.Config{
		CellSize:            s.CellSize,
		ChunkSize:           s.ChunkSize,
		ActiveDistance:      s.ActiveDistance,
		LoadDistance:        s.LoadDistance,
		UnloadDistance:      s.UnloadDistance,
		LOD1Distance:        s.LOD1Distance,
		LOD2Distance:        s.LOD2Distance,
		MaxActiveChunks:     s.MaxActiveChunks,
		MaxLoadedChunks:     s.MaxLoadedChunks,
		MaxCachedChunks:     s.MaxCachedChunks,
		MaxChunksPerFrame:   s.MaxChunksPerFrame,
		ChunkUpdateInterval: time.Duration(s.ChunkUpdateIntervalMs) * time.Millisecond,
		ZBand:               s.ZBand,
		IsoLevel:            s.IsoLevel,
		MeshChangeThreshold: s.MeshChangeThreshold,
		MeshMaxAge:          time.Duration(s.MeshMaxAgeMs) * time.Millisecond,
		Workers:             s.Workers,
		ParallelThreshold:   s.ParallelThreshold,
		CacheExpiration:     time.Duration(t.Persistence.ExpirationSec) * time.Second,
		Fluid:               t.FluidParams(),
		Activation:          t.ActivationConfig(),
		EnableStaticWater:   len(t.Water) > 0,
		EnableActivation:    t.Activation.Enabled,
		EnablePersistence:   t.Persistence.Enabled,
		EnableOctree:        s.Octree,
	}
}

// FluidParams converts the fluid section.
func (t Tuning) FluidParams() fluid.Params {
	f := t.Fluid
	return fluid.Params{
		MaxLevel:              f.MaxLevel,
		MinLevel:              f.MinLevel,
		FlowRate:              f.FlowRate,
		EqualizationRate:      f.EqualizationRate,
		CompressionThreshold:  f.CompressionThreshold,
		SettleChangeThreshold: f.SettleChangeThreshold,
		SettleFrames:          uint8(f.SettleFrames),
		EnableSettling:        f.EnableSettling,
	}
}

// ActivationConfig converts the activation section.
func (t Tuning) ActivationConfig() water.Config {
	a := t.Activation
	return water.Config{
		TerrainChangeThreshold: a.TerrainChangeThreshold,
		FluidSettleThreshold:   a.FluidSettleThreshold,
		DeactivationDelay:      time.Duration(a.DeactivationDelayMs) * time.Millisecond,
		MaxActivationsPerFrame: a.MaxActivationsPerFrame,
		MaxActiveRegions:       a.MaxActiveRegions,
		MergeAge:               time.Duration(a.MergeAgeMs) * time.Millisecond,
		PreserveFluidVolume:    a.PreserveFluidVolume,
	}
}

// Regions converts the water entries to store regions.
func (t Tuning) Regions() []water.Region {
	out := make([]water.Region, 0, len(t.Water))
	for _, w := range t.Water {
		out = append(out, water.Region{
			Min:      mgl32.Vec2{w.MinX, w.MinY},
			Max:      mgl32.Vec2{w.MaxX, w.MaxY},
			Level:    w.Level,
			Depth:    w.Depth,
			Priority: w.Priority,
		})
	}
	return out
}

// Sampler builds the procedural terrain the tree describes.
func (t Tuning) Sampler() *engine.NoiseTerrain {
	return &engine.NoiseTerrain{
		Seed:       t.Terrain.Seed,
		Base:       t.Terrain.Base,
		Amplitude:  t.Terrain.Amplitude,
		Wavelength: t.Terrain.Wavelength,
		Octaves:    t.Terrain.Octaves,
	}
}

// Validate checks the tree the way the engine will see it.
func (t Tuning) Validate() error {
	cfg := t.EngineConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if t.Server.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz %d must be > 0: %w", t.Server.TickRateHz, engine.ErrConfig)
	}
	for i, w := range t.Water {
		if w.MaxX <= w.MinX || w.MaxY <= w.MinY {
			return fmt.Errorf("water[%d]: empty rectangle: %w", i, engine.ErrConfig)
		}
	}
	return nil
}

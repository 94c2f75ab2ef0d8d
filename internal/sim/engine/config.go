package engine

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"hydrovox/internal/sim/fluid"
	"hydrovox/internal/sim/water"
)

// ErrConfig marks a configuration the engine refuses to start with.
var ErrConfig = errors.New("invalid engine config")

// Config describes one simulation world. Zero fields take the defaults
// from applyDefaults; Validate rejects combinations that cannot work.
type Config struct {
	// CellSize is the world-unit edge of one fluid cell.
	CellSize float32
	// ChunkSize is the cell count along each chunk edge.
	ChunkSize int

	// ActiveDistance bounds full-rate simulation around viewers.
	// Chunks between ActiveDistance and LoadDistance load inactive,
	// and past UnloadDistance they are serialized and evicted.
	ActiveDistance float32
	LoadDistance   float32
	UnloadDistance float32

	// LOD1Distance and LOD2Distance split the active band into
	// detail tiers. Both must sit inside ActiveDistance.
	LOD1Distance float32
	LOD2Distance float32

	MaxActiveChunks   int
	MaxLoadedChunks   int
	MaxCachedChunks   int
	MaxChunksPerFrame int

	// ChunkUpdateInterval throttles the streaming pass. Stepping and
	// meshing still run every tick.
	ChunkUpdateInterval time.Duration

	// ZBand caps the vertical chunk range scanned around a viewer.
	ZBand int32

	// IsoLevel is the marching cubes threshold at LOD 0; coarser LODs
	// scale it up to keep thin sheets from flickering.
	IsoLevel float32
	// MeshChangeThreshold is the accumulated per-chunk fluid delta
	// that invalidates a cached mesh.
	MeshChangeThreshold float32
	// MeshMaxAge forces a rebuild of any mesh older than this.
	MeshMaxAge time.Duration

	// Workers bounds the step and mesh worker pools.
	Workers int
	// ParallelThreshold is the active-chunk count under which the
	// step pass stays on the driver goroutine.
	ParallelThreshold int

	// CacheExpiration ages serialized chunks out of the memory cache.
	CacheExpiration time.Duration

	Fluid fluid.Params
	// Activation tunes the region manager when EnableActivation is
	// set; zero fields take the water package defaults.
	Activation water.Config

	EnableStaticWater bool
	EnableActivation  bool
	EnablePersistence bool
	// EnableOctree selects the octree viewer index over the linear
	// fallback.
	EnableOctree bool
}

// DefaultConfig returns the tuning used when nothing is configured: a
// 32-cell chunk of 100-unit cells with streaming bands sized in chunk
// spans.
func DefaultConfig() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.CellSize <= 0 {
		c.CellSize = 100
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32
	}
	span := c.CellSize * float32(c.ChunkSize)
	if c.ActiveDistance <= 0 {
		c.ActiveDistance = 2.5 * span
	}
	if c.LoadDistance <= 0 {
		c.LoadDistance = 4 * span
	}
	if c.UnloadDistance <= 0 {
		c.UnloadDistance = 5 * span
	}
	if c.LOD1Distance <= 0 {
		c.LOD1Distance = span
	}
	if c.LOD2Distance <= 0 {
		c.LOD2Distance = 2 * span
	}
	if c.MaxActiveChunks <= 0 {
		c.MaxActiveChunks = 64
	}
	if c.MaxLoadedChunks <= 0 {
		c.MaxLoadedChunks = 256
	}
	if c.MaxCachedChunks <= 0 {
		c.MaxCachedChunks = 512
	}
	if c.MaxChunksPerFrame <= 0 {
		c.MaxChunksPerFrame = 8
	}
	if c.ChunkUpdateInterval <= 0 {
		c.ChunkUpdateInterval = 250 * time.Millisecond
	}
	if c.ZBand <= 0 {
		c.ZBand = 2
	}
	if c.IsoLevel <= 0 {
		c.IsoLevel = 0.1
	}
	if c.MeshChangeThreshold <= 0 {
		c.MeshChangeThreshold = 0.5
	}
	if c.MeshMaxAge <= 0 {
		c.MeshMaxAge = 2 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.ParallelThreshold <= 0 {
		c.ParallelThreshold = 4
	}
	if c.CacheExpiration <= 0 {
		c.CacheExpiration = 5 * time.Minute
	}
	if c.Fluid == (fluid.Params{}) {
		c.Fluid = fluid.DefaultParams()
	}
}

// Validate checks the filled-in config. The returned error wraps
// ErrConfig and names the first offending field.
func (c *Config) Validate() error {
	c.applyDefaults()
	if c.ChunkSize < 2 {
		return fmt.Errorf("chunk_size %d must be >= 2: %w", c.ChunkSize, ErrConfig)
	}
	if c.LoadDistance <= c.ActiveDistance {
		return fmt.Errorf("load_distance %g must be > active_distance %g: %w",
			c.LoadDistance, c.ActiveDistance, ErrConfig)
	}
	if c.UnloadDistance <= c.LoadDistance {
		return fmt.Errorf("unload_distance %g must be > load_distance %g: %w",
			c.UnloadDistance, c.LoadDistance, ErrConfig)
	}
	if c.LOD2Distance <= c.LOD1Distance {
		return fmt.Errorf("lod2_distance %g must be > lod1_distance %g: %w",
			c.LOD2Distance, c.LOD1Distance, ErrConfig)
	}
	if c.LOD2Distance > c.ActiveDistance {
		return fmt.Errorf("lod2_distance %g must be <= active_distance %g: %w",
			c.LOD2Distance, c.ActiveDistance, ErrConfig)
	}
	if c.MaxCachedChunks < c.MaxLoadedChunks {
		return fmt.Errorf("max_cached_chunks %d must be >= max_loaded_chunks %d: %w",
			c.MaxCachedChunks, c.MaxLoadedChunks, ErrConfig)
	}
	if c.MaxActiveChunks > c.MaxLoadedChunks {
		return fmt.Errorf("max_active_chunks %d must be <= max_loaded_chunks %d: %w",
			c.MaxActiveChunks, c.MaxLoadedChunks, ErrConfig)
	}
	return nil
}

// span is the world-unit edge of one chunk.
func (c *Config) span() float32 {
	return c.CellSize * float32(c.ChunkSize)
}

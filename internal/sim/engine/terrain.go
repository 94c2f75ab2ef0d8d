package engine

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"hydrovox/internal/sim/mathx"
)

// HeightUnavailable is returned by samplers for columns they cannot
// answer. The engine leaves such columns out of the terrain field and
// counts them instead of failing the load.
const HeightUnavailable = -math.MaxFloat32

// TerrainSampler supplies ground height for chunk initialization. All
// calls come from the driver goroutine.
type TerrainSampler interface {
	// SampleHeight returns the terrain surface at a world column, or
	// HeightUnavailable.
	SampleHeight(x, y float32) float32
	// RefreshInRadius tells the sampler its source data changed near
	// a point, ahead of the engine re-reading the area.
	RefreshInRadius(center mgl32.Vec3, radius float32)
}

// SolidSampler is the optional 3-D extension for terrain with
// overhangs. Samplers that implement it get asked per cell instead of
// per column.
type SolidSampler interface {
	SampleSolid(x, y, z float32) bool
}

// NoiseTerrain is a deterministic procedural sampler: fractal value
// noise on a seeded integer lattice. It never returns
// HeightUnavailable.
type NoiseTerrain struct {
	// Seed selects the lattice; equal seeds give equal terrain.
	Seed int64
	// Base is the mean surface height in world units.
	Base float32
	// Amplitude scales the summed octaves.
	Amplitude float32
	// Wavelength is the world-unit period of the first octave.
	Wavelength float32
	// Octaves defaults to 4.
	Octaves int
}

func (t *NoiseTerrain) SampleHeight(x, y float32) float32 {
	oct := t.Octaves
	if oct <= 0 {
		oct = 4
	}
	wl := t.Wavelength
	if wl <= 0 {
		wl = 1600
	}
	amp := t.Amplitude
	if amp == 0 {
		amp = 400
	}
	var sum, weight float32
	w := float32(1)
	for o := 0; o < oct; o++ {
		sum += w * t.octave(int64(o)*7919, x/wl, y/wl)
		weight += w
		w *= 0.5
		wl *= 0.5
	}
	return t.Base + amp*(sum/weight-0.5)*2
}

func (t *NoiseTerrain) RefreshInRadius(mgl32.Vec3, float32) {}

// octave samples bilinear value noise at one frequency. Lattice values
// come from Hash2 so any (seed, cell) pair is stable across runs.
func (t *NoiseTerrain) octave(salt int64, u, v float32) float32 {
	x0 := int(math.Floor(float64(u)))
	y0 := int(math.Floor(float64(v)))
	fx := mathx.Smoothstep(u - float32(x0))
	fy := mathx.Smoothstep(v - float32(y0))
	a := t.lattice(salt, x0, y0)
	b := t.lattice(salt, x0+1, y0)
	c := t.lattice(salt, x0, y0+1)
	d := t.lattice(salt, x0+1, y0+1)
	return mathx.Lerp(mathx.Lerp(a, b, fx), mathx.Lerp(c, d, fx), fy)
}

func (t *NoiseTerrain) lattice(salt int64, x, y int) float32 {
	h := mathx.Hash2(t.Seed+salt, x, y)
	return float32(h%100000) / 100000
}

// FlatTerrain answers every column with the same height. Useful for
// tests and empty worlds.
type FlatTerrain float32

func (t FlatTerrain) SampleHeight(x, y float32) float32   { return float32(t) }
func (t FlatTerrain) RefreshInRadius(mgl32.Vec3, float32) {}

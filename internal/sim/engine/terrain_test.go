package engine

import "testing"

func TestNoiseTerrainDeterministic(t *testing.T) {
	a := &NoiseTerrain{Seed: 42, Base: 80, Amplitude: 120, Wavelength: 700}
	b := &NoiseTerrain{Seed: 42, Base: 80, Amplitude: 120, Wavelength: 700}
	for x := -5; x <= 5; x++ {
		for y := -5; y <= 5; y++ {
			wx, wy := float32(x)*137, float32(y)*211
			if ha, hb := a.SampleHeight(wx, wy), b.SampleHeight(wx, wy); ha != hb {
				t.Fatalf("same seed diverged at (%g,%g): %g vs %g", wx, wy, ha, hb)
			}
		}
	}
}

func TestNoiseTerrainStaysInAmplitude(t *testing.T) {
	n := &NoiseTerrain{Seed: 3, Base: 200, Amplitude: 150, Wavelength: 400}
	for x := -8; x <= 8; x++ {
		for y := -8; y <= 8; y++ {
			h := n.SampleHeight(float32(x)*93, float32(y)*171)
			if h < 50 || h > 350 {
				t.Fatalf("height %g outside base 200 +- 150", h)
			}
		}
	}
}

func TestNoiseTerrainSeedsDiffer(t *testing.T) {
	a := &NoiseTerrain{Seed: 1, Amplitude: 100, Wavelength: 500}
	b := &NoiseTerrain{Seed: 2, Amplitude: 100, Wavelength: 500}
	for x := 0; x < 32; x++ {
		wx := float32(x) * 61
		if a.SampleHeight(wx, wx*0.7) != b.SampleHeight(wx, wx*0.7) {
			return
		}
	}
	t.Fatalf("seeds 1 and 2 produced identical terrain over the sample grid")
}

func TestFlatTerrainIsConstant(t *testing.T) {
	f := FlatTerrain(75)
	if got := f.SampleHeight(0, 0); got != 75 {
		t.Fatalf("flat terrain = %g, want 75", got)
	}
	if got := f.SampleHeight(1e6, -1e6); got != 75 {
		t.Fatalf("flat terrain = %g at a far column, want 75", got)
	}
}

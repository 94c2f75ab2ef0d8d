package fluid

import "fmt"

// Params tunes the cellular automaton. Zero numeric fields are replaced
// with defaults by NewGrid; EnableSettling is taken as given.
type Params struct {
	// MaxLevel is the nominal capacity of a cell. Values above it are
	// transiently legal and drive compression.
	MaxLevel float32
	// MinLevel is the cutoff below which a cell is treated as empty.
	MinLevel float32

	FlowRate             float32
	EqualizationRate     float32
	CompressionThreshold float32

	SettleChangeThreshold float32
	SettleFrames          uint8
	EnableSettling        bool
}

func DefaultParams() Params {
	return Params{
		MaxLevel:              1.0,
		MinLevel:              1e-3,
		FlowRate:              0.25,
		EqualizationRate:      0.5,
		CompressionThreshold:  0.95,
		SettleChangeThreshold: 1e-4,
		SettleFrames:          5,
		EnableSettling:        true,
	}
}

func (p *Params) applyDefaults() {
	d := DefaultParams()
	if p.MaxLevel <= 0 {
		p.MaxLevel = d.MaxLevel
	}
	if p.MinLevel <= 0 {
		p.MinLevel = d.MinLevel
	}
	if p.FlowRate <= 0 {
		p.FlowRate = d.FlowRate
	}
	if p.EqualizationRate <= 0 {
		p.EqualizationRate = d.EqualizationRate
	}
	if p.CompressionThreshold <= 0 {
		p.CompressionThreshold = d.CompressionThreshold
	}
	if p.SettleChangeThreshold <= 0 {
		p.SettleChangeThreshold = d.SettleChangeThreshold
	}
	if p.SettleFrames == 0 {
		p.SettleFrames = d.SettleFrames
	}
}

func (p Params) validate() error {
	if p.MinLevel >= p.MaxLevel {
		return fmt.Errorf("min level %g must be below max level %g", p.MinLevel, p.MaxLevel)
	}
	if p.CompressionThreshold > p.MaxLevel {
		return fmt.Errorf("compression threshold %g above max level %g", p.CompressionThreshold, p.MaxLevel)
	}
	return nil
}

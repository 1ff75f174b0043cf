package dsp

import (
	"math"

	"github.com/loqalabs/loqa-memo/internal/config"
)

// GainNormalizer keeps a smoothed gain that pulls block peaks toward TargetLevel.
type GainNormalizer struct {
	TargetLevel float64
	Attack      float64
	Release     float64
	MaxGain     float64

	current float64
}

func NewGainNormalizer(cfg config.GainConfig) *GainNormalizer {
	g := &GainNormalizer{
		TargetLevel: cfg.TargetLevel,
		Attack:      cfg.Attack,
		Release:     cfg.Release,
		MaxGain:     cfg.MaxGain,
		current:     1,
	}
	if g.TargetLevel <= 0 {
		g.TargetLevel = 0.18
	}
	if g.Attack <= 0 {
		g.Attack = 0.15
	}
	if g.Release <= 0 {
		g.Release = 0.01
	}
	if g.MaxGain <= 0 {
		g.MaxGain = 6
	}
	return g
}

// Gain returns the current smoothed gain.
func (g *GainNormalizer) Gain() float64 { return g.current }

func (g *GainNormalizer) Process(block []int16) {
	if len(block) == 0 {
		return
	}
	var peak float64
	for _, s := range block {
		peak = math.Max(peak, math.Abs(float64(s)/fullScale))
	}
	// near-silent blocks leave both gain and samples untouched
	if peak < 1e-5 {
		return
	}

	desired := math.Min(g.TargetLevel/peak, g.MaxGain)
	step := g.Release
	if desired > g.current {
		step = g.Attack
	}
	g.current += (desired - g.current) * step

	for i, s := range block {
		block[i] = clamp16(float64(s) * g.current)
	}
}

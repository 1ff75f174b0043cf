package dsp

import "math"

const (
	gateInitialFloor = 0.02
	gateFloorDecay   = 0.995
	gateThresholdMul = 1.8
	gateMinThreshold = 0.01
	gateLowGain      = 0.25
	gateSmoothing    = 0.1
)

// NoiseGate is the adaptive fallback denoiser. It tracks an exponentially
// smoothed noise floor and eases each sample toward a low gain while the
// signal stays under a multiple of that floor.
type NoiseGate struct {
	floor float64
	gain  float64
}

func NewNoiseGate() *NoiseGate {
	return &NoiseGate{floor: gateInitialFloor, gain: 1}
}

// Floor returns the current noise floor estimate (normalized to full scale).
func (g *NoiseGate) Floor() float64 { return g.floor }

func (g *NoiseGate) Process(block []int16) {
	for i, s := range block {
		sample := float64(s) / fullScale
		magnitude := math.Abs(sample)
		g.floor = gateFloorDecay*g.floor + (1-gateFloorDecay)*magnitude
		threshold := math.Max(g.floor*gateThresholdMul, gateMinThreshold)
		target := 1.0
		if magnitude < threshold {
			target = gateLowGain
		}
		g.gain += (target - g.gain) * gateSmoothing
		out := math.Max(-1, math.Min(1, sample*g.gain))
		block[i] = int16(out * fullScale)
	}
}

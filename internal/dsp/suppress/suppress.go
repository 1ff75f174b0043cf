// Package suppress is the frame noise suppressor compiled into the WASM
// denoiser module. It has no dependencies so it builds for wasip1.
package suppress

import "math"

const (
	fullScale = 32768.0

	// MaxFrame is the largest frame Process accepts.
	MaxFrame = 4096

	noiseFall  = 0.5
	noiseRise  = 0.002
	minGain    = 0.1
	gainAttack = 0.6
	minEnergy  = 1e-9
)

// Suppressor applies a Wiener-style gain per frame from the ratio of frame
// energy to a tracked noise energy. The noise estimate falls quickly toward
// quiet frames and rises slowly, so speech does not pull it up.
type Suppressor struct {
	noise float64
	gain  float64
	init  bool
}

func New() *Suppressor {
	return &Suppressor{gain: 1}
}

// Noise returns the current noise energy estimate (mean square, full scale 1).
func (s *Suppressor) Noise() float64 { return s.noise }

// Process denoises frame in place. The gain ramps linearly from the previous
// frame's value to avoid steps at frame boundaries.
func (s *Suppressor) Process(frame []int16) {
	if len(frame) == 0 {
		return
	}
	if len(frame) > MaxFrame {
		frame = frame[:MaxFrame]
	}
	var sum float64
	for _, v := range frame {
		x := float64(v) / fullScale
		sum += x * x
	}
	energy := math.Max(sum/float64(len(frame)), minEnergy)

	switch {
	case !s.init:
		s.noise, s.init = energy, true
	case energy < s.noise:
		s.noise += (energy - s.noise) * noiseFall
	default:
		s.noise = math.Min(energy, s.noise*(1+noiseRise))
	}

	snr := energy / math.Max(s.noise, minEnergy)
	target := math.Max(minGain, 1-1/snr)
	next := s.gain + (target-s.gain)*gainAttack

	step := (next - s.gain) / float64(len(frame))
	g := s.gain
	for i, v := range frame {
		g += step
		out := float64(v) * g
		frame[i] = int16(math.Max(-fullScale, math.Min(fullScale-1, out)))
	}
	s.gain = next
}

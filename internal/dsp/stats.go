package dsp

import "math"

const (
	silenceRMS  = 0.01
	peakFloorDb = -120.0
)

// FrameStats summarizes one block for level monitoring.
type FrameStats struct {
	IsSilence bool
	PeakDb    float64
}

// Stats computes block statistics. An empty block counts as silence.
func Stats(block []int16) FrameStats {
	if len(block) == 0 {
		return FrameStats{IsSilence: true, PeakDb: peakFloorDb}
	}
	var sumSquares, peak float64
	for _, s := range block {
		v := float64(s)
		sumSquares += v * v
		peak = math.Max(peak, math.Abs(v))
	}
	rms := math.Sqrt(sumSquares / float64(len(block)))
	peakDb := peakFloorDb
	if peak > 1 {
		peakDb = 20 * math.Log10(peak/fullScale)
	}
	return FrameStats{
		IsSilence: rms/fullScale < silenceRMS,
		PeakDb:    peakDb,
	}
}

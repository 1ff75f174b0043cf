package dsp

import (
	"log/slog"
)

// DefaultFrameSize is 10 ms at 48 kHz.
const DefaultFrameSize = 480

// FrameModel is a model-based suppressor that works on fixed-size frames.
type FrameModel interface {
	FrameSize() int
	DenoiseFrame(frame []int16) error
	Close() error
}

// FrameDenoiser adapts a FrameModel to arbitrary block sizes. Input is
// buffered until a full frame is available, so output lags input by exactly
// one frame; Flush releases the lag, running the zero-padded partial frame.
type FrameDenoiser struct {
	model   FrameModel
	size    int
	pending []int16
	ready   []int16
	frame   []int16
	log     *slog.Logger
	failed  bool
}

func NewFrameDenoiser(model FrameModel, log *slog.Logger) *FrameDenoiser {
	size := model.FrameSize()
	if size <= 0 {
		size = DefaultFrameSize
	}
	return &FrameDenoiser{
		model:   model,
		size:    size,
		pending: make([]int16, 0, size),
		ready:   make([]int16, size, 4*size),
		frame:   make([]int16, size),
		log:     log,
	}
}

func (d *FrameDenoiser) Process(block []int16) {
	if len(block) == 0 {
		return
	}
	for _, s := range block {
		d.pending = append(d.pending, s)
		if len(d.pending) == d.size {
			copy(d.frame, d.pending)
			d.run(d.frame)
			d.ready = append(d.ready, d.frame...)
			d.pending = d.pending[:0]
		}
	}
	n := copy(block, d.ready)
	d.ready = append(d.ready[:0], d.ready[n:]...)
}

// Flush returns the delayed samples, including the processed partial frame.
func (d *FrameDenoiser) Flush() []int16 {
	if len(d.pending) > 0 {
		valid := len(d.pending)
		copy(d.frame, d.pending)
		for i := valid; i < d.size; i++ {
			d.frame[i] = 0
		}
		d.run(d.frame)
		d.ready = append(d.ready, d.frame[:valid]...)
		d.pending = d.pending[:0]
	}
	out := append([]int16(nil), d.ready...)
	d.ready = d.ready[:0]
	return out
}

func (d *FrameDenoiser) Close() error {
	return d.model.Close()
}

// run processes one frame; a failing model lets audio through unchanged.
func (d *FrameDenoiser) run(frame []int16) {
	if d.failed {
		return
	}
	backup := append([]int16(nil), frame...)
	if err := d.model.DenoiseFrame(frame); err != nil {
		copy(frame, backup)
		d.failed = true
		if d.log != nil {
			d.log.Warn("denoiser model failed, passing audio through", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Package dsp holds the per-block audio conditioners applied to captured PCM
// before it is encrypted and written to disk.
package dsp

import (
	"errors"
	"io"
)

const fullScale = 32767.0

// Processor conditions a block of 16-bit samples in place. Implementations
// keep state across calls and must not be shared between goroutines.
type Processor interface {
	Process(block []int16)
}

// Flusher is implemented by processors that hold back samples (frame-based
// models). Flush returns the samples still buffered at end of stream.
type Flusher interface {
	Flush() []int16
}

// Chain applies processors in order.
type Chain struct {
	stages []Processor
}

// NewChain builds a chain, skipping nil stages.
func NewChain(stages ...Processor) *Chain {
	c := &Chain{}
	for _, s := range stages {
		if s != nil {
			c.stages = append(c.stages, s)
		}
	}
	return c
}

// Len reports the number of active stages.
func (c *Chain) Len() int { return len(c.stages) }

func (c *Chain) Process(block []int16) {
	if len(block) == 0 {
		return
	}
	for _, s := range c.stages {
		s.Process(block)
	}
}

// Flush drains every buffering stage. Samples released by an earlier stage
// still run through the stages after it.
func (c *Chain) Flush() []int16 {
	var tail []int16
	for _, s := range c.stages {
		if len(tail) > 0 {
			s.Process(tail)
		}
		if f, ok := s.(Flusher); ok {
			tail = append(tail, f.Flush()...)
		}
	}
	return tail
}

// Close releases stages that hold external resources.
func (c *Chain) Close() error {
	var errs []error
	for _, s := range c.stages {
		if closer, ok := s.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

package dsp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-memo/internal/config"
)

// DenoiserFactory builds a denoising stage from configuration.
type DenoiserFactory func(ctx context.Context, cfg config.DenoiserConfig, log *slog.Logger) (Processor, error)

var (
	registryMu sync.RWMutex
	denoisers  = map[string]DenoiserFactory{
		"gate": func(context.Context, config.DenoiserConfig, *slog.Logger) (Processor, error) {
			return NewNoiseGate(), nil
		},
		"wasm": func(ctx context.Context, cfg config.DenoiserConfig, log *slog.Logger) (Processor, error) {
			model, err := NewWasmModel(ctx, cfg.ModulePath, cfg.FrameSize)
			if err != nil {
				return nil, err
			}
			return NewFrameDenoiser(model, log), nil
		},
	}
)

// RegisterDenoiser adds or replaces a named denoiser backend.
func RegisterDenoiser(name string, factory DenoiserFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	denoisers[name] = factory
}

// Denoisers lists registered backend names.
func Denoisers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(denoisers))
	for name := range denoisers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDenoiser returns the configured backend, or nil when denoising is off.
func NewDenoiser(ctx context.Context, cfg config.DenoiserConfig, log *slog.Logger) (Processor, error) {
	if cfg.Backend == "" || cfg.Backend == "none" {
		return nil, nil
	}
	registryMu.RLock()
	factory, ok := denoisers[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown denoiser backend %q", cfg.Backend)
	}
	return factory(ctx, cfg, log)
}

// BuildChain assembles gain normalization followed by denoising. A model
// backend that fails to load degrades to the noise gate.
func BuildChain(ctx context.Context, cfg config.CaptureConfig, log *slog.Logger) (*Chain, error) {
	var gain Processor
	if cfg.Gain.Enabled {
		gain = NewGainNormalizer(cfg.Gain)
	}
	denoiser, err := NewDenoiser(ctx, cfg.Denoiser, log)
	if err != nil {
		if cfg.Denoiser.Backend == "gate" {
			return nil, err
		}
		log.Warn("denoiser backend unavailable, using noise gate",
			slog.String("backend", cfg.Denoiser.Backend), slogError(err))
		denoiser = NewNoiseGate()
	}
	return NewChain(gain, denoiser), nil
}

package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/failure"
)

// Decision records which engine produced a result.
type Decision struct {
	Engine Kind
	// Fallback is set when the premium engine failed and the baseline engine
	// transcribed the same input instead.
	Fallback bool
	// Notice is a user-facing message explaining the fallback.
	Notice string
	Cause  error
}

// Arbitrator picks the premium engine when it is enabled and available and
// falls back to the baseline engine on recoverable premium failures.
type Arbitrator struct {
	premium        Engine
	baseline       Engine
	premiumEnabled bool
	log            *slog.Logger
	fallbacks      metric.Int64Counter
}

func NewArbitrator(premium, baseline Engine, premiumEnabled bool, log *slog.Logger) (*Arbitrator, error) {
	if baseline == nil {
		return nil, errors.New("baseline engine is required")
	}
	meter := otel.Meter("github.com/loqalabs/loqa-memo/stt")
	fallbacks, err := meter.Int64Counter("memo.transcription.fallbacks",
		metric.WithDescription("Premium transcriptions retried on the baseline engine"))
	if err != nil {
		return nil, fmt.Errorf("create fallback counter: %w", err)
	}
	return &Arbitrator{
		premium:        premium,
		baseline:       baseline,
		premiumEnabled: premiumEnabled && premium != nil,
		log:            log.With(slog.String("component", "stt")),
		fallbacks:      fallbacks,
	}, nil
}

// New builds the engines described by cfg.
func New(cfg config.STTConfig, log *slog.Logger) (*Arbitrator, error) {
	baseline, err := newBaseline(cfg, log)
	if err != nil {
		return nil, err
	}
	var premium Engine
	if cfg.Premium.Enabled {
		rt, err := newWindowRuntime(cfg)
		if err != nil {
			return nil, err
		}
		premium = NewWindowedEngine(rt, WindowOptions{
			WindowMs:  int64(cfg.Premium.WindowMS),
			OverlapMs: int64(cfg.Premium.OverlapMS),
			MinStepMs: int64(cfg.Premium.MinStepMS),
		}, log)
	}
	return NewArbitrator(premium, baseline, cfg.Premium.Enabled, log)
}

func newBaseline(cfg config.STTConfig, log *slog.Logger) (Engine, error) {
	switch cfg.Baseline.Mode {
	case "", "mock":
		return NewStreamingEngine(MockRecognizerFactory(0), cfg.Baseline.BlockSize, log), nil
	case "exec":
		factory, err := ExecRecognizerFactory(cfg.Baseline.Command, cfg.Baseline.ModelDir, cfg.Language)
		if err != nil {
			return nil, err
		}
		return NewStreamingEngine(factory, cfg.Baseline.BlockSize, log), nil
	}
	return nil, fmt.Errorf("unknown baseline mode %q", cfg.Baseline.Mode)
}

func newWindowRuntime(cfg config.STTConfig) (WindowRuntime, error) {
	switch cfg.Premium.Mode {
	case "native":
		return NewNativeWindowRuntime(cfg.Premium.ModelDir, cfg.Language, cfg.Premium.Threads), nil
	case "", "exec":
		return NewExecWindowRuntime(cfg.Premium.Command, cfg.Premium.ModelDir, cfg.Language)
	}
	return nil, fmt.Errorf("unknown premium mode %q", cfg.Premium.Mode)
}

// Transcribe runs the engine selected at call time on path.
func (a *Arbitrator) Transcribe(ctx context.Context, path string) (Result, Decision, error) {
	if a.premiumEnabled && a.premium.Available() {
		res, err := a.premium.TranscribeFile(ctx, path)
		if err == nil {
			return res, Decision{Engine: KindPremium}, nil
		}
		if !shouldFallBack(err) {
			return Result{}, Decision{Engine: KindPremium}, err
		}
		kind := failure.KindOf(err)
		a.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", kind.String())))
		a.log.Warn("premium engine failed, falling back to baseline", slogError(err))
		decision := Decision{
			Engine:   KindBaseline,
			Fallback: true,
			Notice:   fallbackNotice(kind),
			Cause:    err,
		}
		res, err = a.baseline.TranscribeFile(ctx, path)
		return res, decision, err
	}
	res, err := a.baseline.TranscribeFile(ctx, path)
	return res, Decision{Engine: KindBaseline}, err
}

func shouldFallBack(err error) bool {
	switch failure.KindOf(err) {
	case failure.ModelUnavailable, failure.UnsupportedOperation, failure.OutOfMemory, failure.NativeUnavailable:
		return true
	}
	return false
}

func fallbackNotice(kind failure.Kind) string {
	switch kind {
	case failure.ModelUnavailable:
		return "Modèle premium indisponible, transcription de base utilisée."
	case failure.OutOfMemory:
		return "Mémoire insuffisante pour le moteur premium, transcription de base utilisée."
	case failure.NativeUnavailable:
		return "Bibliothèque native du moteur premium manquante, transcription de base utilisée."
	}
	return "Moteur premium non pris en charge, transcription de base utilisée."
}

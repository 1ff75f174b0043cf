package stt

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-memo/internal/transcript"
)

// Result and Segment are the engine-neutral transcription output.
type (
	Result  = transcript.Result
	Segment = transcript.Segment
)

// Kind names an engine tier.
type Kind string

const (
	KindBaseline Kind = "baseline"
	KindPremium  Kind = "premium"
)

// Engine transcribes a plaintext 16-bit PCM WAV file.
type Engine interface {
	Kind() Kind
	// Available reports whether the engine's model and runtime are present.
	Available() bool
	TranscribeFile(ctx context.Context, path string) (Result, error)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

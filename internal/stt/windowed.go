package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/failure"
)

// Window defaults of the premium engine.
const (
	DefaultWindowMs  = 30000
	DefaultOverlapMs = 5000
	DefaultMinStepMs = 1000
)

// ErrEmptyWindow is returned by a WindowRuntime that produced no output for
// a window. The engine stops and keeps what it has.
var ErrEmptyWindow = errors.New("window produced no output")

// WindowRequest asks a runtime to transcribe [OffsetMs, OffsetMs+WindowMs)
// of Path. Context carries the tokens returned for the previous window.
type WindowRequest struct {
	Path     string   `json:"path"`
	OffsetMs int64    `json:"offset_ms"`
	WindowMs int64    `json:"window_ms"`
	TotalMs  int64    `json:"total_ms"`
	Context  []string `json:"context"`
}

// WindowSegment is a segment in absolute milliseconds.
type WindowSegment struct {
	StartMs int64  `json:"start"`
	EndMs   int64  `json:"end"`
	Text    string `json:"text"`
}

// WindowChunk is the runtime's answer for one window. A nil or negative
// NextOffsetMs lets the engine advance by window minus overlap.
type WindowChunk struct {
	Text         string          `json:"text"`
	Segments     []WindowSegment `json:"segments"`
	Context      []string        `json:"context"`
	Completed    bool            `json:"completed"`
	NextOffsetMs *int64          `json:"next_offset_ms,omitempty"`
}

// WindowRuntime runs the premium model on one window at a time.
type WindowRuntime interface {
	Available() bool
	Window(ctx context.Context, req WindowRequest) (WindowChunk, error)
}

type WindowOptions struct {
	WindowMs  int64
	OverlapMs int64
	MinStepMs int64
}

func (o WindowOptions) withDefaults() WindowOptions {
	if o.WindowMs <= 0 {
		o.WindowMs = DefaultWindowMs
	}
	if o.OverlapMs < 0 || o.OverlapMs >= o.WindowMs {
		o.OverlapMs = DefaultOverlapMs
		if o.OverlapMs >= o.WindowMs {
			o.OverlapMs = 0
		}
	}
	if o.MinStepMs <= 0 {
		o.MinStepMs = DefaultMinStepMs
	}
	return o
}

// WindowedEngine is the premium engine: it walks the recording in
// overlapping windows and carries context tokens from one window to the next.
type WindowedEngine struct {
	runtime WindowRuntime
	opts    WindowOptions
	log     *slog.Logger
}

func NewWindowedEngine(rt WindowRuntime, opts WindowOptions, log *slog.Logger) *WindowedEngine {
	return &WindowedEngine{
		runtime: rt,
		opts:    opts.withDefaults(),
		log:     log.With(slog.String("component", "stt.windowed")),
	}
}

func (e *WindowedEngine) Kind() Kind { return KindPremium }

func (e *WindowedEngine) Available() bool { return e.runtime.Available() }

func (e *WindowedEngine) TranscribeFile(ctx context.Context, path string) (Result, error) {
	durationMs, err := containerDuration(path)
	if err != nil {
		return Result{}, err
	}

	var (
		texts    []string
		segments []Segment
		tokens   []string
		offset   int64
	)
	maxIterations := durationMs/(e.opts.WindowMs-e.opts.OverlapMs) + 3
	for i := int64(0); offset < durationMs && i < maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		chunk, err := e.runtime.Window(ctx, WindowRequest{
			Path:     path,
			OffsetMs: offset,
			WindowMs: e.opts.WindowMs,
			TotalMs:  durationMs,
			Context:  tokens,
		})
		if errors.Is(err, ErrEmptyWindow) {
			e.log.Warn("window returned no result", slog.Int64("offset_ms", offset))
			break
		}
		if err != nil {
			return Result{}, err
		}
		if t := strings.TrimSpace(chunk.Text); t != "" {
			texts = append(texts, t)
		}
		segments = e.merge(segments, chunk.Segments)
		tokens = chunk.Context

		next := offset + e.opts.WindowMs - e.opts.OverlapMs
		if next < offset+e.opts.MinStepMs {
			next = offset + e.opts.MinStepMs
		}
		// A negative next offset means the runtime did not report one.
		if chunk.NextOffsetMs != nil && *chunk.NextOffsetMs >= 0 {
			next = *chunk.NextOffsetMs
		}
		if chunk.Completed || next <= offset {
			break
		}
		offset = min(next, durationMs)
	}

	return Result{
		Text:       strings.TrimSpace(strings.Join(texts, " ")),
		Segments:   segments,
		DurationMs: durationMs,
	}, nil
}

// merge appends newcomers that extend past the last kept segment, clipping
// their start into the overlap region.
func (e *WindowedEngine) merge(existing []Segment, newcomers []WindowSegment) []Segment {
	for _, seg := range newcomers {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		start := max(seg.StartMs, 0)
		end := max(seg.EndMs, start)
		if len(existing) > 0 {
			lastEnd := existing[len(existing)-1].EndMs
			if end <= lastEnd {
				continue
			}
			start = max(start, lastEnd-e.opts.OverlapMs)
		}
		existing = append(existing, Segment{StartMs: start, EndMs: end, Text: text})
	}
	return existing
}

func containerDuration(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()
	hdr, err := container.ReadHeader(f)
	if err != nil {
		return 0, err
	}
	if hdr.Format.BitsPerSample != 16 {
		return 0, failure.New(failure.UnsupportedOperation, "read audio", fmt.Errorf("unsupported bit depth %d", hdr.Format.BitsPerSample))
	}
	return hdr.DurationMs(), nil
}

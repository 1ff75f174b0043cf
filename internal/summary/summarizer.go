package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/llm"
)

// Source tells where a summary came from.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

// Outcome describes how Summarize produced its document. Reason is set when
// the generative backend was skipped or its output rejected.
type Outcome struct {
	Source Source
	Reason error
}

// Document is a summary ready to persist.
type Document struct {
	Summary StructuredSummary
	JSON    []byte
}

// Summarizer asks a generator for a structured summary and falls back to
// heuristics when there is no generator or its output does not validate.
type Summarizer struct {
	gen     llm.Generator
	opts    llm.Request
	timeout time.Duration
	log     *slog.Logger

	fallbacks metric.Int64Counter
}

// NewSummarizer wraps gen, which may be nil.
func NewSummarizer(gen llm.Generator, cfg config.LLMConfig, log *slog.Logger) (*Summarizer, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-memo/summary")
	fallbacks, err := meter.Int64Counter("memo.summary.fallbacks",
		metric.WithDescription("Summaries produced by the heuristic fallback"))
	if err != nil {
		return nil, fmt.Errorf("create fallback counter: %w", err)
	}
	return &Summarizer{
		gen:       gen,
		opts:      llm.OptionsFromConfig(cfg),
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:       log.With(slog.String("component", "summary")),
		fallbacks: fallbacks,
	}, nil
}

var errNoGenerator = errors.New("no generative backend configured")

// Summarize returns a validated summary of text. Only a cancelled ctx makes
// it fail; every backend problem ends in the fallback document.
func (s *Summarizer) Summarize(ctx context.Context, text string, durationMs int64, prov Provenance) (Document, Outcome, error) {
	raw, reason := s.generate(ctx, text, durationMs)
	if err := ctx.Err(); err != nil {
		return Document{}, Outcome{}, err
	}
	if reason == nil {
		doc, err := s.document(raw, prov)
		if err == nil {
			return doc, Outcome{Source: SourceGenerated}, nil
		}
		reason = err
	}

	if errors.Is(reason, errNoGenerator) {
		s.log.Warn("no language model, using heuristic summary")
	} else {
		s.log.Warn("language model output rejected, using heuristic summary", slogError(reason))
	}
	s.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.Bool("generator", s.gen != nil)))

	fallback, err := json.Marshal(Fallback(text, durationMs))
	if err != nil {
		return Document{}, Outcome{}, fmt.Errorf("encode fallback summary: %w", err)
	}
	doc, err := s.document(fallback, prov)
	if err != nil {
		return Document{}, Outcome{}, err
	}
	return doc, Outcome{Source: SourceFallback, Reason: reason}, nil
}

func (s *Summarizer) generate(ctx context.Context, text string, durationMs int64) ([]byte, error) {
	if s.gen == nil {
		return nil, errNoGenerator
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	req := s.opts
	req.Prompt = Prompt(text, durationMs)
	out, err := llm.Collect(ctx, s.gen, req)
	if err != nil {
		return nil, fmt.Errorf("generate summary: %w", err)
	}
	body := ExtractJSON([]byte(out))
	if err := Validate(body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Summarizer) document(raw []byte, prov Provenance) (Document, error) {
	merged, err := WithProvenance(raw, prov)
	if err != nil {
		return Document{}, err
	}
	parsed, err := Parse(merged)
	if err != nil {
		return Document{}, err
	}
	return Document{Summary: parsed, JSON: merged}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

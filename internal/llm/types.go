package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-memo/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	// JSON asks backends that support it for a JSON object response.
	JSON bool
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// ErrNoOutput reports a backend that ran but produced nothing.
var ErrNoOutput = errors.New("llm produced no output")

// Collect runs req and concatenates every chunk.
func Collect(ctx context.Context, g Generator, req Request) (string, error) {
	var sb strings.Builder
	err := g.Generate(ctx, req, func(c Chunk) error {
		sb.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", ErrNoOutput
	}
	return out, nil
}

// OptionsFromConfig builds request defaults from config.
func OptionsFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature, JSON: true}
}

// New returns the generator selected by cfg, or nil when generation is
// disabled.
func New(cfg config.LLMConfig) (Generator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "mock":
		return NewMockGenerator(""), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mlc":
		return NewMLCGenerator(cfg.Command)
	case "file":
		return NewFileGenerator(cfg.StubPath), nil
	}
	return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
}

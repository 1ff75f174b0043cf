package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	content string
}

// NewMockGenerator answers every prompt with content, or with an echo of
// the prompt when content is empty.
func NewMockGenerator(content string) Generator { return &mockGenerator{content: content} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	content := m.content
	if content == "" {
		content = "[mock completion for " + strings.TrimSpace(req.Prompt) + "]"
	}
	return consumer(Chunk{
		Content: content,
		Partial: false,
		Latency: 20 * time.Millisecond,
	})
}

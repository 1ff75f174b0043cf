package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
)

const localAPIKey = "local"

type openAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator talks to an OpenAI-compatible endpoint, typically a
// local server such as llama.cpp or vLLM. apiKey may be empty.
func NewOpenAIGenerator(endpoint, apiKey, model string) Generator {
	if apiKey == "" {
		apiKey = localAPIKey
	}
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	return &openAIGenerator{client: openai.NewClientWithConfig(cfg), model: model}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	stream, err := g.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return consumer(Chunk{Partial: false, Latency: time.Since(start)})
		}
		if err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := Chunk{Content: resp.Choices[0].Delta.Content, Partial: true, Latency: time.Since(start)}
		if resp.Usage != nil {
			chunk.PromptTokens = resp.Usage.PromptTokens
			chunk.CompletionTokens = resp.Usage.CompletionTokens
		}
		if err := consumer(chunk); err != nil {
			return err
		}
	}
}

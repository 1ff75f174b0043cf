package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// command is a parsed local model CLI. Runs are serialized because local
// models usually hold the whole accelerator.
type command struct {
	argv []string
	dir  string
	mu   sync.Mutex
}

func parseCommand(line string) (*command, error) {
	argv, err := shellwords.NewParser().Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &command{argv: argv}, nil
}

// run feeds stdin to the command and returns its trimmed stdout.
func (c *command) run(ctx context.Context, stdin []byte) ([]byte, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	start := time.Now()
	out, err := cmd.Output()
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, elapsed, ctx.Err()
		}
		return nil, elapsed, fmt.Errorf("%s: %w: %s", c.argv[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, elapsed, ErrNoOutput
	}
	return out, elapsed, nil
}

// execGenerator writes an execRequest as JSON on stdin. The command answers
// with an execResponse, or with the bare completion text.
type execGenerator struct {
	cmd *command
}

type execRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	Format      string  `json:"format,omitempty"`
}

type execResponse struct {
	Content          *string `json:"content"`
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(line string) (Generator, error) {
	cmd, err := parseCommand(line)
	if err != nil {
		return nil, err
	}
	return &execGenerator{cmd: cmd}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	in := execRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSON {
		in.Format = "json"
	}
	stdin, err := json.Marshal(in)
	if err != nil {
		return err
	}
	out, elapsed, err := g.cmd.run(ctx, stdin)
	if err != nil {
		return fmt.Errorf("llm exec: %w", err)
	}

	chunk := Chunk{Content: string(out), Latency: elapsed}
	var resp execResponse
	if json.Unmarshal(out, &resp) == nil && resp.Content != nil {
		chunk.Content = *resp.Content
		chunk.PromptTokens = resp.PromptTokens
		chunk.CompletionTokens = resp.CompletionTokens
	}
	return consumer(chunk)
}

package llm

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
)

// mlcGenerator drives a chat CLI that reads the prompt between
// PROMPT_START and PROMPT_END lines on stdin and prints the completion.
// The command runs from its own directory so it finds its model files.
type mlcGenerator struct {
	cmd *command
}

func NewMLCGenerator(line string) (Generator, error) {
	cmd, err := parseCommand(line)
	if err != nil {
		return nil, err
	}
	cmd.dir = filepath.Dir(cmd.argv[0])
	return &mlcGenerator{cmd: cmd}, nil
}

func (g *mlcGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var stdin bytes.Buffer
	stdin.WriteString("PROMPT_START\n")
	if req.System != "" {
		stdin.WriteString(req.System)
		stdin.WriteByte('\n')
	}
	stdin.WriteString(req.Prompt)
	stdin.WriteString("\nPROMPT_END\n")

	out, elapsed, err := g.cmd.run(ctx, stdin.Bytes())
	if err != nil {
		return fmt.Errorf("mlc chat: %w", err)
	}
	return consumer(Chunk{Content: string(out), Latency: elapsed})
}

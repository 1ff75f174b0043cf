package llm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

type fileGenerator struct {
	path string
}

// NewFileGenerator answers every prompt with the contents of path, a
// prepared structured_summary.json. A missing file yields ErrNoOutput.
func NewFileGenerator(path string) Generator { return &fileGenerator{path: path} }

func (g *fileGenerator) Generate(ctx context.Context, _ Request, consumer func(Chunk) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(g.path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoOutput
	}
	if err != nil {
		return fmt.Errorf("read llm stub: %w", err)
	}
	return consumer(Chunk{Content: string(data)})
}

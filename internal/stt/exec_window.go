package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/models"
)

// ExecWindowRuntime slices each window into a temporary WAV file and runs an
// external command on it. The command receives the previous context tokens
// as JSON on stdin and prints a WindowChunk whose segment times are relative
// to the slice; next_offset_ms, when present, is absolute.
type ExecWindowRuntime struct {
	cmd      []string
	modelDir string
	language string
	mu       sync.Mutex
}

func NewExecWindowRuntime(command, modelDir, language string) (*ExecWindowRuntime, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return &ExecWindowRuntime{cmd: args, modelDir: modelDir, language: language}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return args, nil
}

func (r *ExecWindowRuntime) Available() bool {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return false
	}
	_, err := models.ResolvePremiumModel(r.modelDir)
	return err == nil
}

func (r *ExecWindowRuntime) Window(ctx context.Context, req WindowRequest) (WindowChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	model, err := models.ResolvePremiumModel(r.modelDir)
	if err != nil {
		return WindowChunk{}, err
	}

	file, err := os.CreateTemp("", "memo_window_*.wav")
	if err != nil {
		return WindowChunk{}, failure.New(failure.TransientIO, "window temp file", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := sliceWindow(req.Path, file, req.OffsetMs, req.WindowMs); err != nil {
		return WindowChunk{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args,
		"--audio", file.Name(),
		"--model", model,
		"--offset-ms", fmt.Sprint(req.OffsetMs),
		"--window-ms", fmt.Sprint(req.WindowMs),
		"--total-ms", fmt.Sprint(req.TotalMs),
	)
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	stdin, err := json.Marshal(struct {
		Context []string `json:"context"`
	}{Context: req.Context})
	if err != nil {
		return WindowChunk{}, err
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdin = bytes.NewReader(stdin)
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return WindowChunk{}, classifyExecError(err, stderr.String())
	}
	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return WindowChunk{}, ErrEmptyWindow
	}

	var chunk WindowChunk
	if err := json.Unmarshal(stdout.Bytes(), &chunk); err != nil {
		return WindowChunk{}, failure.New(failure.MalformedInput, "decode window", err)
	}
	for i := range chunk.Segments {
		chunk.Segments[i].StartMs += req.OffsetMs
		chunk.Segments[i].EndMs += req.OffsetMs
	}
	return chunk, nil
}

func classifyExecError(err error, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if errors.Is(err, exec.ErrNotFound) {
		return failure.New(failure.NativeUnavailable, "run stt command", err)
	}
	if strings.Contains(strings.ToLower(stderr), "out of memory") {
		return failure.New(failure.OutOfMemory, "run stt command", fmt.Errorf("%w: %s", err, stderr))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
			return failure.New(failure.OutOfMemory, "run stt command", err)
		}
	}
	return fmt.Errorf("stt command failed: %w: %s", err, stderr)
}

// sliceWindow copies [offsetMs, offsetMs+windowMs) of the 16-bit PCM file at
// path into dst as a standalone WAV file.
func sliceWindow(path string, dst io.WriteSeeker, offsetMs, windowMs int64) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer src.Close()
	hdr, err := container.ReadHeader(src)
	if err != nil {
		return err
	}
	format := hdr.Format
	align := int64(format.BlockAlign())
	if align <= 0 {
		return failure.New(failure.MalformedInput, "slice window", errors.New("zero block align"))
	}
	start := offsetMs * int64(format.SampleRate) / 1000 * align
	length := windowMs * int64(format.SampleRate) / 1000 * align
	data := int64(hdr.DataSize)
	if start > data {
		start = data
	}
	if start+length > data {
		length = data - start
	}

	pcm := make([]byte, length)
	if _, err := src.ReadAt(pcm, container.HeaderSize+start); err != nil && !errors.Is(err, io.EOF) {
		return failure.New(failure.TransientIO, "slice window", err)
	}
	return writePCMToWav(dst, pcm, format.SampleRate, format.Channels)
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

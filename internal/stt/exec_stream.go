package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/models"
)

// ExecStreamRecognizer drives a long-lived recognizer process over a JSON
// line protocol. Each request line gets exactly one response line:
//
//	{"op":"accept","pcm":"<base64>"} -> {"complete":bool,"result":"<utterance json>"}
//	{"op":"final"}                   -> {"result":"<utterance json>"}
type ExecStreamRecognizer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	stderr *strings.Builder
	last   string

	mu     sync.Mutex
	closed bool
}

type streamRequest struct {
	Op  string `json:"op"`
	PCM []byte `json:"pcm,omitempty"`
}

type streamResponse struct {
	Complete bool   `json:"complete"`
	Result   string `json:"result"`
	Error    string `json:"error,omitempty"`
}

// ExecRecognizerFactory starts command once per file with the resolved
// baseline model directory and the audio sample rate.
func ExecRecognizerFactory(command, modelDir, language string) (RecognizerFactory, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, format container.Format) (StreamRecognizer, error) {
		dir, err := models.ResolveBaselineModelDir(modelDir)
		if err != nil {
			return nil, err
		}
		cmdArgs := append([]string{}, args[1:]...)
		cmdArgs = append(cmdArgs,
			"--model", dir,
			"--sample-rate", fmt.Sprint(format.SampleRate),
			"--channels", fmt.Sprint(format.Channels),
		)
		if language != "" {
			cmdArgs = append(cmdArgs, "--language", language)
		}
		return startExecRecognizer(ctx, exec.CommandContext(ctx, args[0], cmdArgs...))
	}, nil
}

func startExecRecognizer(ctx context.Context, cmd *exec.Cmd) (*ExecStreamRecognizer, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, classifyExecError(err, "")
	}
	lines := bufio.NewScanner(stdout)
	lines.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &ExecStreamRecognizer{cmd: cmd, stdin: stdin, lines: lines, stderr: &stderr}, nil
}

func (r *ExecStreamRecognizer) roundTrip(ctx context.Context, req streamRequest) (streamResponse, error) {
	if err := ctx.Err(); err != nil {
		return streamResponse{}, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return streamResponse{}, err
	}
	if _, err := r.stdin.Write(append(data, '\n')); err != nil {
		return streamResponse{}, failure.New(failure.TransientIO, "write recognizer", fmt.Errorf("%w: %s", err, r.stderr.String()))
	}
	if !r.lines.Scan() {
		err := r.lines.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return streamResponse{}, failure.New(failure.TransientIO, "read recognizer", fmt.Errorf("%w: %s", err, r.stderr.String()))
	}
	var resp streamResponse
	if err := json.Unmarshal(r.lines.Bytes(), &resp); err != nil {
		return streamResponse{}, failure.New(failure.MalformedInput, "decode recognizer", err)
	}
	if resp.Error != "" {
		return streamResponse{}, errors.New("recognizer: " + resp.Error)
	}
	return resp, nil
}

func (r *ExecStreamRecognizer) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	resp, err := r.roundTrip(ctx, streamRequest{Op: "accept", PCM: pcm})
	if err != nil {
		return false, err
	}
	if resp.Complete {
		r.last = resp.Result
	}
	return resp.Complete, nil
}

func (r *ExecStreamRecognizer) Result() string { return r.last }

func (r *ExecStreamRecognizer) FinalResult(ctx context.Context) (string, error) {
	resp, err := r.roundTrip(ctx, streamRequest{Op: "final"})
	if err != nil {
		return "", err
	}
	return resp.Result, nil
}

// Close ends the process by closing its stdin and waits for it.
func (r *ExecStreamRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.stdin.Close()
	if err := r.cmd.Wait(); err != nil {
		return fmt.Errorf("recognizer exited: %w", err)
	}
	return nil
}

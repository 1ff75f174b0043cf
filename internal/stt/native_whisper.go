//go:build whisper

package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/models"
)

// contextTokens is how many trailing words are carried into the next window.
const contextTokens = 32

// NativeWindowRuntime runs whisper.cpp in process. The model is loaded on
// first use and kept for the lifetime of the runtime.
type NativeWindowRuntime struct {
	modelDir string
	language string
	threads  int

	mu    sync.Mutex
	model whisper.Model
}

func NewNativeWindowRuntime(modelDir, language string, threads int) *NativeWindowRuntime {
	return &NativeWindowRuntime{modelDir: modelDir, language: language, threads: threads}
}

func (r *NativeWindowRuntime) Available() bool {
	_, err := models.ResolvePremiumModel(r.modelDir)
	return err == nil
}

func (r *NativeWindowRuntime) load() (whisper.Model, error) {
	if r.model != nil {
		return r.model, nil
	}
	path, err := models.ResolvePremiumModel(r.modelDir)
	if err != nil {
		return nil, err
	}
	model, err := whisper.New(path)
	if err != nil {
		return nil, failure.New(failure.ModelUnavailable, "load whisper model", err)
	}
	r.model = model
	return model, nil
}

func (r *NativeWindowRuntime) Window(ctx context.Context, req WindowRequest) (WindowChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return WindowChunk{}, err
	}

	model, err := r.load()
	if err != nil {
		return WindowChunk{}, err
	}
	samples, err := windowSamples(req.Path, req.OffsetMs, req.WindowMs)
	if err != nil {
		return WindowChunk{}, err
	}
	if len(samples) == 0 {
		return WindowChunk{}, ErrEmptyWindow
	}

	wctx, err := model.NewContext()
	if err != nil {
		return WindowChunk{}, failure.New(failure.OutOfMemory, "whisper context", err)
	}
	if r.language != "" {
		if err := wctx.SetLanguage(r.language); err != nil {
			return WindowChunk{}, failure.New(failure.UnsupportedOperation, "whisper language", err)
		}
	}
	if r.threads > 0 {
		wctx.SetThreads(uint(r.threads))
	}
	if len(req.Context) > 0 {
		wctx.SetInitialPrompt(strings.Join(req.Context, " "))
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return WindowChunk{}, fmt.Errorf("whisper process: %w", err)
	}

	var chunk WindowChunk
	var texts []string
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return WindowChunk{}, fmt.Errorf("whisper segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		texts = append(texts, text)
		chunk.Segments = append(chunk.Segments, WindowSegment{
			StartMs: req.OffsetMs + seg.Start.Milliseconds(),
			EndMs:   req.OffsetMs + seg.End.Milliseconds(),
			Text:    text,
		})
	}
	chunk.Text = strings.Join(texts, " ")
	chunk.Context = tail(strings.Fields(chunk.Text), contextTokens)
	chunk.Completed = req.OffsetMs+req.WindowMs >= req.TotalMs
	return chunk, nil
}

func (r *NativeWindowRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}

func tail(words []string, n int) []string {
	if len(words) > n {
		return words[len(words)-n:]
	}
	return words
}

// windowSamples decodes a window as mono float32 at the whisper sample rate.
func windowSamples(path string, offsetMs, windowMs int64) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()
	hdr, err := container.ReadHeader(f)
	if err != nil {
		return nil, err
	}
	format := hdr.Format
	align := int64(format.BlockAlign())
	start := offsetMs * int64(format.SampleRate) / 1000 * align
	length := windowMs * int64(format.SampleRate) / 1000 * align
	data := int64(hdr.DataSize)
	start = min(start, data)
	length = min(length, data-start)

	pcm := make([]byte, length)
	n, err := f.ReadAt(pcm, container.HeaderSize+start)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, failure.New(failure.TransientIO, "read window", err)
	}
	pcm = pcm[:n-n%int(align)]

	frames := len(pcm) / int(align)
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < format.Channels; c++ {
			off := i*int(align) + c*2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / 32768
		}
		mono[i] = sum / float32(format.Channels)
	}
	return resample(mono, format.SampleRate, whisper.SampleRate), nil
}

// resample converts by linear interpolation.
func resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || len(in) == 0 {
		return in
	}
	outLen := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		frac := float32(pos - float64(j))
		if j+1 < len(in) {
			out[i] = in[j]*(1-frac) + in[j+1]*frac
		} else {
			out[i] = in[len(in)-1]
		}
	}
	return out
}


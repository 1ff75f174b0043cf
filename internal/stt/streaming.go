package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/transcript"
)

// DefaultBlockSize is the number of payload bytes fed to a recognizer per
// call.
const DefaultBlockSize = 4096

// StreamRecognizer is an incremental recognizer. AcceptWaveform reports true
// when an utterance completed; Result then returns it as utterance JSON.
type StreamRecognizer interface {
	AcceptWaveform(ctx context.Context, pcm []byte) (bool, error)
	Result() string
	FinalResult(ctx context.Context) (string, error)
	Close() error
}

// RecognizerFactory opens a recognizer for audio in format.
type RecognizerFactory func(ctx context.Context, format container.Format) (StreamRecognizer, error)

// Utterance is the recognizer output for one completed utterance. Word
// times are in seconds.
type Utterance struct {
	Words []Word `json:"result"`
	Text  string `json:"text"`
}

type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// StreamingEngine is the always-available baseline engine.
type StreamingEngine struct {
	open      RecognizerFactory
	blockSize int
	log       *slog.Logger
}

func NewStreamingEngine(open RecognizerFactory, blockSize int, log *slog.Logger) *StreamingEngine {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &StreamingEngine{
		open:      open,
		blockSize: blockSize,
		log:       log.With(slog.String("component", "stt.streaming")),
	}
}

func (e *StreamingEngine) Kind() Kind { return KindBaseline }

func (e *StreamingEngine) Available() bool { return true }

func (e *StreamingEngine) TranscribeFile(ctx context.Context, path string) (res Result, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()
	hdr, err := container.ReadHeader(f)
	if err != nil {
		return Result{}, err
	}

	rec, err := e.open(ctx, hdr.Format)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if cerr := rec.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close recognizer: %w", cerr)
		}
	}()

	var acc utteranceAccumulator
	buf := make([]byte, e.blockSize)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		n, rerr := io.ReadFull(f, buf)
		if n > 0 {
			done, err := rec.AcceptWaveform(ctx, buf[:n])
			if err != nil {
				return Result{}, err
			}
			if done {
				acc.add(rec.Result(), e.log)
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return Result{}, fmt.Errorf("read audio: %w", rerr)
		}
	}
	final, err := rec.FinalResult(ctx)
	if err != nil {
		return Result{}, err
	}
	acc.add(final, e.log)

	return Result{
		Text:       strings.TrimSpace(strings.Join(acc.texts, " ")),
		Segments:   acc.segments,
		DurationMs: acc.durationMs,
	}, nil
}

type utteranceAccumulator struct {
	texts      []string
	segments   []Segment
	durationMs int64
}

// add appends one segment per utterance spanning its first to last word.
// Unparseable or empty utterances are skipped.
func (a *utteranceAccumulator) add(raw string, log *slog.Logger) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	var u Utterance
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		log.Warn("unparseable utterance", slogError(err))
		return
	}
	if len(u.Words) == 0 {
		return
	}
	start := seconds(u.Words[0].Start)
	end := seconds(u.Words[len(u.Words)-1].End)
	text := strings.TrimSpace(u.Text)
	if text == "" {
		words := make([]string, 0, len(u.Words))
		for _, w := range u.Words {
			if strings.TrimSpace(w.Word) != "" {
				words = append(words, w.Word)
			}
		}
		text = strings.Join(words, " ")
	}
	if text == "" {
		return
	}
	a.texts = append(a.texts, text)
	a.segments = append(a.segments, Segment{StartMs: start, EndMs: max(end, start), Text: transcript.Normalize(text)})
	a.durationMs = max(a.durationMs, end)
}

func seconds(s float64) int64 {
	return int64(math.Round(s * 1000))
}

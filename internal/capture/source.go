package capture

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-memo/internal/bus"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/device"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/protocol"
)

// Source delivers interleaved 16-bit PCM. Read blocks until some samples
// are available, ctx is done, or the source fails; it returns io.EOF once
// the input has ended.
type Source interface {
	Format() container.Format
	Read(ctx context.Context, block []int16) (int, error)
	Close() error
}

// SourceOpener opens the input chosen by device selection.
type SourceOpener func(ctx context.Context, sel device.Selection) (Source, error)

// ReadCode classifies fatal read failures.
type ReadCode string

const (
	ReadInvalidOperation ReadCode = "invalid_operation"
	ReadBadValue         ReadCode = "bad_value"
	ReadDeadObject       ReadCode = "dead_object"
	ReadUnknown          ReadCode = "unknown"
)

// ReadError aborts a capture session.
type ReadError struct {
	Code ReadCode
	Err  error
}

func (e *ReadError) Error() string {
	if e.Err == nil {
		return "audio read failed: " + string(e.Code)
	}
	return fmt.Sprintf("audio read failed (%s): %v", e.Code, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func readError(code ReadCode, err error) error {
	return &ReadError{Code: code, Err: err}
}

// NewOpener returns the daemon's opener: a selected device streams frames
// over the bus; the software fallback uses capture.default_input, either a
// WAV file path or a bus device id.
func NewOpener(cfg config.CaptureConfig, client *bus.Client) SourceOpener {
	return func(ctx context.Context, sel device.Selection) (Source, error) {
		if sel.Device != nil {
			if client == nil {
				return nil, failure.New(failure.InvalidState, "open input", errors.New("bus disabled, cannot reach device "+sel.Device.ID))
			}
			return NewBusSource(client, sel.Device.ID, cfg.SampleRate, int(sel.Channels))
		}
		input := strings.TrimSpace(cfg.DefaultInput)
		switch {
		case input == "":
			return nil, failure.New(failure.InvalidState, "open input", errors.New("no input device available"))
		case strings.HasSuffix(strings.ToLower(input), ".wav"):
			return OpenWAVSource(input)
		case client != nil:
			return NewBusSource(client, input, cfg.SampleRate, int(sel.Channels))
		}
		return nil, failure.New(failure.InvalidState, "open input", fmt.Errorf("default input %q needs the bus", input))
	}
}

// FixedOpener ignores selection and always returns src.
func FixedOpener(src Source) SourceOpener {
	return func(context.Context, device.Selection) (Source, error) { return src, nil }
}

// BusSource consumes protocol.AudioFrame messages published by a device.
type BusSource struct {
	format  container.Format
	sub     *nats.Subscription
	frames  chan *nats.Msg
	pending []int16
	ended   bool

	mu     sync.Mutex
	closed bool
}

func NewBusSource(client *bus.Client, deviceID string, sampleRate, channels int) (*BusSource, error) {
	if channels <= 0 {
		channels = 1
	}
	s := &BusSource{
		format: container.Format{Channels: channels, SampleRate: sampleRate, BitsPerSample: 16},
		frames: make(chan *nats.Msg, 256),
	}
	sub, err := client.Conn().ChanSubscribe(protocol.AudioFrameSubject(deviceID), s.frames)
	if err != nil {
		return nil, readError(ReadDeadObject, fmt.Errorf("subscribe %s: %w", deviceID, err))
	}
	if err := client.Conn().Flush(); err != nil {
		sub.Unsubscribe()
		return nil, readError(ReadDeadObject, fmt.Errorf("subscribe %s: %w", deviceID, err))
	}
	s.sub = sub
	return s, nil
}

func (s *BusSource) Format() container.Format { return s.format }

func (s *BusSource) Read(ctx context.Context, block []int16) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, readError(ReadInvalidOperation, errors.New("source closed"))
	}
	for len(s.pending) == 0 {
		if s.ended {
			return 0, io.EOF
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case msg := <-s.frames:
			if err := s.accept(msg); err != nil {
				return 0, err
			}
		}
	}
	n := copy(block, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *BusSource) accept(msg *nats.Msg) error {
	if !s.sub.IsValid() {
		return readError(ReadDeadObject, nats.ErrBadSubscription)
	}
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		return readError(ReadBadValue, fmt.Errorf("decode frame: %w", err))
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.format.SampleRate {
		return readError(ReadBadValue, fmt.Errorf("frame sample rate %d, expected %d", frame.SampleRate, s.format.SampleRate))
	}
	if frame.Channels != 0 && frame.Channels != s.format.Channels {
		return readError(ReadBadValue, fmt.Errorf("frame has %d channels, expected %d", frame.Channels, s.format.Channels))
	}
	if len(frame.PCM)%2 != 0 {
		return readError(ReadBadValue, errors.New("odd PCM byte count"))
	}
	samples := make([]int16, len(frame.PCM)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(frame.PCM[i*2:]))
	}
	s.pending = samples
	s.ended = frame.Final
	return nil
}

func (s *BusSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Unsubscribe()
}

// EncodeFrame packs samples into an AudioFrame payload.
func EncodeFrame(deviceID string, seq int, format container.Format, samples []int16, final bool) protocol.AudioFrame {
	pcm := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return protocol.AudioFrame{
		DeviceID:   deviceID,
		Sequence:   seq,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		PCM:        pcm,
		Final:      final,
	}
}

// WAVSource replays a 16-bit PCM WAV file.
type WAVSource struct {
	file   *os.File
	dec    *wav.Decoder
	format container.Format
	buf    *audio.IntBuffer
	closed bool
}

func OpenWAVSource(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav source: %w", err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, failure.New(failure.MalformedInput, "open wav source", fmt.Errorf("%s is not a wav file", path))
	}
	if dec.BitDepth != 16 {
		f.Close()
		return nil, failure.New(failure.MalformedInput, "open wav source", fmt.Errorf("unsupported bit depth %d", dec.BitDepth))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("rewind wav source: %w", err)
	}
	dec = wav.NewDecoder(f)
	dec.ReadInfo()
	format := container.Format{Channels: int(dec.NumChans), SampleRate: int(dec.SampleRate), BitsPerSample: 16}
	return &WAVSource{
		file:   f,
		dec:    dec,
		format: format,
		buf:    &audio.IntBuffer{Format: &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate}},
	}, nil
}

func (s *WAVSource) Format() container.Format { return s.format }

func (s *WAVSource) Read(ctx context.Context, block []int16) (int, error) {
	if s.closed {
		return 0, readError(ReadInvalidOperation, errors.New("source closed"))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if cap(s.buf.Data) < len(block) {
		s.buf.Data = make([]int, len(block))
	}
	s.buf.Data = s.buf.Data[:len(block)]
	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, readError(ReadUnknown, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		block[i] = int16(s.buf.Data[i])
	}
	return n, nil
}

func (s *WAVSource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

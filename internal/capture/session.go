// Package capture records conditioned, encrypted audio into the recording
// container and hands finished recordings to transcription.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/device"
	"github.com/loqalabs/loqa-memo/internal/dsp"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/protocol"
	"github.com/loqalabs/loqa-memo/internal/store"
	"github.com/loqalabs/loqa-memo/internal/vault"
)

// Selector picks the input to record from.
type Selector interface {
	Select() device.Selection
}

// Catalog stores finished recordings.
type Catalog interface {
	InsertRecording(ctx context.Context, rec store.Recording) (int64, error)
}

// Enqueuer schedules transcription of a stored recording.
type Enqueuer interface {
	Enqueue(ctx context.Context, recordingID int64) error
}

// Options wires a Manager.
type Options struct {
	Capture  config.CaptureConfig
	AudioDir string
	// KeyAlias selects the audio key; a nil Cipher records plaintext.
	KeyAlias string
	Cipher   *vault.Cipher
	Selector Selector
	Open     SourceOpener
	Catalog  Catalog
	Queue    Enqueuer
	Status   *Broadcaster
}

// Manager owns the single capture token: at most one Session records at a
// time.
type Manager struct {
	opts    Options
	log     *slog.Logger
	active  atomic.Pointer[Session]
	clock   func() time.Time
	blocks  metric.Int64Counter
	silence metric.Int64Counter
}

func NewManager(opts Options, log *slog.Logger) (*Manager, error) {
	if opts.Open == nil {
		return nil, errors.New("capture needs a source opener")
	}
	if opts.AudioDir == "" {
		return nil, errors.New("capture needs an audio directory")
	}
	if opts.Status == nil {
		opts.Status = NewBroadcaster(nil, log)
	}
	if opts.Capture.BlockSamples <= 0 {
		opts.Capture.BlockSamples = 1920
	}
	if opts.Capture.SampleRate <= 0 {
		opts.Capture.SampleRate = 48000
	}
	m := &Manager{
		opts:  opts,
		log:   log.With(slog.String("component", "capture")),
		clock: time.Now,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-memo/capture")
	var err error
	if m.blocks, err = meter.Int64Counter("memo.capture.blocks", metric.WithDescription("Audio blocks written to recordings")); err != nil {
		m.log.Warn("failed to create metric", slogError(err))
	}
	if m.silence, err = meter.Int64Counter("memo.capture.silence_warnings", metric.WithDescription("Prolonged silence warnings raised")); err != nil {
		m.log.Warn("failed to create metric", slogError(err))
	}
	return m, nil
}

// Active reports whether a session holds the capture token.
func (m *Manager) Active() bool {
	return m.active.Load() != nil
}

// Current returns the running session, if any.
func (m *Manager) Current() *Session {
	return m.active.Load()
}

// Status exposes the broadcaster for listeners.
func (m *Manager) Status() *Broadcaster {
	return m.opts.Status
}

// TryStart begins a new session. When another session already holds the
// token it returns (nil, false, nil): a no-op, not an error.
func (m *Manager) TryStart(ctx context.Context) (*Session, bool, error) {
	// The session must be complete before it is published: Stop may load it
	// from another goroutine as soon as the swap succeeds.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:     uuid.NewString(),
		m:      m,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.setState(StateStarting)
	if !m.active.CompareAndSwap(nil, s) {
		cancel()
		return nil, false, nil
	}

	if err := s.start(ctx); err != nil {
		cancel()
		s.setState(StateError)
		m.publish(s, StatusError, codeOf(err), err.Error())
		m.publish(s, StatusIdle, "", "")
		s.setState(StateIdle)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		m.active.CompareAndSwap(s, nil)
		close(s.done)
		return nil, true, err
	}
	go s.run(runCtx)
	return s, true, nil
}

// Stop asks the running session to finish and waits for it.
func (m *Manager) Stop(ctx context.Context) (store.Recording, error) {
	s := m.active.Load()
	if s == nil {
		return store.Recording{}, failure.New(failure.InvalidState, "stop capture", errors.New("no active session"))
	}
	return s.Stop(ctx)
}

func (m *Manager) publish(s *Session, status Status, code, message string) {
	update := protocol.CaptureStatus{
		SessionID: s.id,
		State:     string(s.State()),
		Status:    string(status),
		Code:      code,
		Message:   message,
		Device:    s.label,
	}
	m.opts.Status.publish(update)
}

// Session is one recording from start to idle.
type Session struct {
	id     string
	m      *Manager
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Value

	label     string
	path      string
	file      *os.File
	source    Source
	chain     *dsp.Chain
	sink      io.WriteCloser
	meta      vault.EncryptionMetadata
	encrypted bool
	format    container.Format
	startedAt time.Time
	written   uint64

	silentSamples int64
	warned        bool

	mu     sync.Mutex
	result store.Recording
	err    error
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Path() string { return s.path }

func (s *Session) State() State {
	if v, ok := s.state.Load().(State); ok {
		return v
	}
	return StateIdle
}

func (s *Session) setState(st State) { s.state.Store(st) }

// Done is closed once the session has returned to idle.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop cancels recording and waits until the recording is finalized.
func (s *Session) Stop(ctx context.Context) (store.Recording, error) {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until the session is idle and returns its recording.
func (s *Session) Wait(ctx context.Context) (store.Recording, error) {
	select {
	case <-ctx.Done():
		return store.Recording{}, ctx.Err()
	case <-s.done:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// start acquires every resource; on failure it releases what it took.
func (s *Session) start(ctx context.Context) (err error) {
	m := s.m
	s.setState(StateStarting)
	var sel device.Selection
	if m.opts.Selector != nil {
		sel = m.opts.Selector.Select()
	} else {
		sel = device.Select(nil)
	}
	s.label = sel.Label
	m.publish(s, StatusOK, "", "")

	defer func() {
		if err != nil {
			s.release()
			s.discard()
		}
	}()

	s.source, err = m.opts.Open(ctx, sel)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	s.format = s.source.Format()
	if s.format.BitsPerSample == 0 {
		s.format.BitsPerSample = 16
	}
	if s.format.BitsPerSample != 16 {
		return failure.New(failure.MalformedInput, "open input", fmt.Errorf("%d-bit input not supported", s.format.BitsPerSample))
	}

	s.chain, err = dsp.BuildChain(ctx, m.opts.Capture, m.log)
	if err != nil {
		return fmt.Errorf("build processing chain: %w", err)
	}

	if err := os.MkdirAll(m.opts.AudioDir, 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	s.startedAt = m.clock()
	path := filepath.Join(m.opts.AudioDir, fmt.Sprintf("rec_%d.wav", s.startedAt.UnixMilli()))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	s.path, s.file = path, file
	if err := container.WriteHeader(s.file, s.format, 0); err != nil {
		return err
	}

	if m.opts.Cipher != nil {
		s.sink, s.meta, err = m.opts.Cipher.BeginEncryption(ctx, m.opts.KeyAlias, s.file, []byte(filepath.Base(s.path)))
		if err != nil {
			return fmt.Errorf("begin encryption: %w", err)
		}
		s.encrypted = true
	} else {
		s.sink = nopCloser{s.file}
	}

	m.log.Info("capture started",
		slog.String("session", s.id),
		slog.String("path", s.path),
		slog.String("device", s.label),
		slog.Int("channels", s.format.Channels),
		slog.Int("sample_rate", s.format.SampleRate),
		slog.Bool("encrypted", s.encrypted))
	return nil
}

func (s *Session) run(ctx context.Context) {
	m := s.m
	defer func() {
		m.active.CompareAndSwap(s, nil)
		close(s.done)
	}()
	defer s.release()

	s.setState(StateRecording)
	loopErr := s.record(ctx)
	if loopErr != nil {
		s.setState(StateError)
		m.log.Error("capture aborted", slog.String("session", s.id), slogError(loopErr))
		m.publish(s, StatusError, codeOf(loopErr), loopErr.Error())
	}

	s.setState(StateStopping)
	finalizeErr := s.finalize()
	if finalizeErr != nil {
		m.log.Error("failed to finalize recording", slog.String("session", s.id), slogError(finalizeErr))
		if loopErr == nil {
			m.publish(s, StatusError, codeOf(finalizeErr), finalizeErr.Error())
		}
	}

	var rec store.Recording
	err := errors.Join(loopErr, finalizeErr)
	switch {
	case finalizeErr != nil:
	case s.written == 0:
		s.discard()
		err = errors.Join(loopErr, failure.New(failure.InvalidState, "capture", errors.New("nothing was recorded")))
	default:
		rec, err = s.catalog(loopErr)
	}

	s.setState(StateIdle)
	m.publish(s, StatusIdle, "", "")
	s.mu.Lock()
	s.result, s.err = rec, err
	s.mu.Unlock()
}

// record runs the read loop until cancellation, end of input or a fatal
// read error.
func (s *Session) record(ctx context.Context) error {
	m := s.m
	block := make([]int16, m.opts.Capture.BlockSamples*max(1, s.format.Channels))
	buf := make([]byte, len(block)*2)
	timeout := time.Duration(m.opts.Capture.ReadTimeoutMS) * time.Millisecond
	threshold := int64(m.opts.Capture.SilenceWarningMS) * int64(s.format.SampleRate) / 1000
	attrs := metric.WithAttributes(attribute.String("device", s.label))

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.read(ctx, block, timeout)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		samples := block[:n]
		s.chain.Process(samples)
		if err := s.write(samples, buf); err != nil {
			return err
		}
		if m.blocks != nil {
			m.blocks.Add(ctx, 1, attrs)
		}
		s.trackSilence(ctx, samples, threshold)
	}
}

func (s *Session) read(ctx context.Context, block []int16, timeout time.Duration) (int, error) {
	readCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	n, err := s.source.Read(readCtx, block)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	var re *ReadError
	switch {
	case errors.As(err, &re):
		return 0, err
	case ctx.Err() != nil:
		return 0, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return 0, readError(ReadDeadObject, fmt.Errorf("no audio for %s", timeout))
	}
	return 0, readError(ReadUnknown, err)
}

func (s *Session) write(samples []int16, buf []byte) error {
	if len(samples) == 0 {
		return nil
	}
	size := len(samples) * 2
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	out := buf[:size]
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	if _, err := s.sink.Write(out); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	s.written += uint64(len(out))
	return nil
}

func (s *Session) trackSilence(ctx context.Context, samples []int16, threshold int64) {
	m := s.m
	stats := dsp.Stats(samples)
	if !stats.IsSilence {
		s.silentSamples = 0
		if s.warned {
			s.warned = false
			m.publish(s, StatusOK, "", "")
		}
		return
	}
	s.silentSamples += int64(len(samples) / max(1, s.format.Channels))
	if threshold > 0 && !s.warned && s.silentSamples >= threshold {
		s.warned = true
		if m.silence != nil {
			m.silence.Add(ctx, 1)
		}
		m.publish(s, StatusWarning, "silence", fmt.Sprintf("no signal for %d ms", s.silentSamples*1000/int64(s.format.SampleRate)))
	}
}

// finalize stops the input, drains the chain tail, seals the cipher stream,
// patches the header with the plaintext payload size and only then writes
// the sidecar. Any failure leaves no sidecar behind.
func (s *Session) finalize() (err error) {
	var sidecars vault.MetadataStore
	defer func() {
		if err != nil && s.path != "" {
			if clearErr := sidecars.Clear(s.path); clearErr != nil {
				err = errors.Join(err, clearErr)
			}
		}
	}()

	if s.source != nil {
		if closeErr := s.source.Close(); closeErr != nil {
			s.m.log.Warn("failed to close input", slogError(closeErr))
		}
		s.source = nil
	}
	if tail := s.chain.Flush(); len(tail) > 0 {
		if err := s.write(tail, nil); err != nil {
			return err
		}
	}
	if err := s.sink.Close(); err != nil {
		return fmt.Errorf("finalize cipher: %w", err)
	}
	s.sink = nil
	if err := container.PatchHeader(s.file, s.format, s.written); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync recording: %w", err)
	}
	if s.encrypted {
		if err := sidecars.Persist(s.path, s.meta); err != nil {
			return err
		}
	}
	return nil
}

// catalog stores the finished recording and queues it for transcription.
func (s *Session) catalog(loopErr error) (store.Recording, error) {
	m := s.m
	rec := store.Recording{
		FilePath:   s.path,
		CreatedAt:  s.startedAt.UTC(),
		DurationMs: durationMs(s.written, s.format),
	}
	if m.opts.Catalog == nil {
		return rec, loopErr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := m.opts.Catalog.InsertRecording(ctx, rec)
	if err != nil {
		return rec, errors.Join(loopErr, fmt.Errorf("store recording: %w", err))
	}
	rec.ID = id
	m.log.Info("recording stored",
		slog.Int64("recording_id", id),
		slog.String("path", s.path),
		slog.Int64("duration_ms", rec.DurationMs))
	if m.opts.Queue != nil {
		if err := m.opts.Queue.Enqueue(ctx, id); err != nil {
			return rec, errors.Join(loopErr, fmt.Errorf("enqueue transcription: %w", err))
		}
	}
	return rec, loopErr
}

// release closes the input, DSP and file; it is safe to call repeatedly.
func (s *Session) release() {
	if s.source != nil {
		_ = s.source.Close()
		s.source = nil
	}
	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.m.log.Warn("failed to release processing chain", slogError(err))
		}
		s.chain = nil
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

// discard removes a recording that will never be cataloged.
func (s *Session) discard() {
	if s.path == "" {
		return
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	var sidecars vault.MetadataStore
	_ = sidecars.Clear(s.path)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.m.log.Warn("failed to remove empty recording", slog.String("path", s.path), slogError(err))
	}
}

func durationMs(payload uint64, f container.Format) int64 {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return int64(payload * 1000 / uint64(rate))
}

func codeOf(err error) string {
	var re *ReadError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	return failure.KindOf(err).String()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

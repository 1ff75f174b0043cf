package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-memo/internal/bus/bustest"
	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/device"
	"github.com/loqalabs/loqa-memo/internal/failure"
	"github.com/loqalabs/loqa-memo/internal/protocol"
	"github.com/loqalabs/loqa-memo/internal/store"
	"github.com/loqalabs/loqa-memo/internal/vault"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptSource struct {
	format container.Format
	blocks [][]int16
	err    error
	closed atomic.Bool
}

func (s *scriptSource) Format() container.Format { return s.format }

func (s *scriptSource) Read(ctx context.Context, block []int16) (int, error) {
	if len(s.blocks) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(block, s.blocks[0])
	s.blocks = s.blocks[1:]
	return n, nil
}

func (s *scriptSource) Close() error {
	s.closed.Store(true)
	return nil
}

type blockingSource struct {
	format container.Format
	closed atomic.Bool
}

func (s *blockingSource) Format() container.Format { return s.format }

func (s *blockingSource) Read(ctx context.Context, block []int16) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (s *blockingSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeCatalog struct {
	mu   sync.Mutex
	recs []store.Recording
}

func (c *fakeCatalog) InsertRecording(_ context.Context, rec store.Recording) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return int64(len(c.recs)), nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []int64
}

func (q *fakeQueue) Enqueue(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type statusLog struct {
	mu      sync.Mutex
	updates []protocol.CaptureStatus
}

func (l *statusLog) add(u protocol.CaptureStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *statusLog) statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.updates))
	for i, u := range l.updates {
		out[i] = u.Status
	}
	return out
}

func (l *statusLog) find(status string) (protocol.CaptureStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, u := range l.updates {
		if u.Status == status {
			return u, true
		}
	}
	return protocol.CaptureStatus{}, false
}

var testFormat = container.Format{Channels: 1, SampleRate: 1000, BitsPerSample: 16}

func plainCapture() config.CaptureConfig {
	return config.CaptureConfig{
		SampleRate:       1000,
		BlockSamples:     50,
		SilenceWarningMS: 100,
		Gain:             config.GainConfig{Enabled: false},
		Denoiser:         config.DenoiserConfig{Backend: "none"},
	}
}

type harness struct {
	m       *Manager
	dir     string
	catalog *fakeCatalog
	queue   *fakeQueue
	status  *statusLog
	cipher  *vault.Cipher
}

func newHarness(t *testing.T, cfg config.CaptureConfig, open SourceOpener) *harness {
	t.Helper()
	h := &harness{
		dir:     t.TempDir(),
		catalog: &fakeCatalog{},
		queue:   &fakeQueue{},
		status:  &statusLog{},
		cipher:  vault.NewCipher(vault.NewMemoryKeyStore()),
	}
	b := NewBroadcaster(nil, newLogger())
	b.Subscribe(h.status.add)
	m, err := NewManager(Options{
		Capture:  cfg,
		AudioDir: h.dir,
		KeyAlias: "offlinehqasr_audio_aes",
		Cipher:   h.cipher,
		Open:     open,
		Catalog:  h.catalog,
		Queue:    h.queue,
		Status:   b,
	}, newLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.clock = func() time.Time { return time.UnixMilli(1700000000000) }
	h.m = m
	return h
}

func tone(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = v
		} else {
			out[i] = -v
		}
	}
	return out
}

func wait(t *testing.T, s *Session) (store.Recording, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("session did not finish")
	}
	return rec, err
}

func TestRecordingIsEncryptedAndCataloged(t *testing.T) {
	blocks := [][]int16{tone(50, 8000), tone(50, 9000), tone(30, 10000)}
	var want []byte
	for _, b := range blocks {
		for _, v := range b {
			want = binary.LittleEndian.AppendUint16(want, uint16(v))
		}
	}
	src := &scriptSource{format: testFormat, blocks: blocks}
	h := newHarness(t, plainCapture(), FixedOpener(src))

	s, started, err := h.m.TryStart(context.Background())
	if err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	rec, err := wait(t, s)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if h.m.Active() {
		t.Fatal("token must be released once idle")
	}
	if !src.closed.Load() {
		t.Fatal("source not released")
	}
	if rec.ID != 1 || rec.DurationMs != 130 || filepath.Base(rec.FilePath) != "rec_1700000000000.wav" {
		t.Fatalf("unexpected recording %+v", rec)
	}
	if len(h.queue.ids) != 1 || h.queue.ids[0] != 1 {
		t.Fatalf("expected recording 1 enqueued, got %v", h.queue.ids)
	}

	raw, err := os.ReadFile(rec.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	hdr, err := container.ReadHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if hdr.DataSize != uint32(len(want)) || hdr.RIFFSize != uint32(len(want))+36 {
		t.Fatalf("header sizes data=%d riff=%d, want %d", hdr.DataSize, hdr.RIFFSize, len(want))
	}
	if bytes.Equal(raw[container.HeaderSize:container.HeaderSize+len(want)], want) {
		t.Fatal("payload stored in plaintext")
	}

	out, cleanup, err := h.cipher.DecryptToTemp(context.Background(), rec.FilePath, t.TempDir())
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	defer cleanup()
	plain, _ := os.ReadFile(out)
	if !bytes.Equal(plain[container.HeaderSize:], want) {
		t.Fatal("decrypted payload differs from captured audio")
	}

	got := h.status.statuses()
	if got[0] != "ok" || got[len(got)-1] != "idle" {
		t.Fatalf("unexpected status sequence %v", got)
	}
}

func TestTryStartIsExclusive(t *testing.T) {
	src := &blockingSource{format: testFormat}
	h := newHarness(t, plainCapture(), FixedOpener(src))

	first, started, err := h.m.TryStart(context.Background())
	if err != nil || !started {
		t.Fatalf("first start: %v", err)
	}
	second, started, err := h.m.TryStart(context.Background())
	if second != nil || started || err != nil {
		t.Fatalf("second start should be a no-op, got %v %v %v", second, started, err)
	}
	if !h.m.Active() || h.m.Current() != first {
		t.Fatal("first session should hold the token")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = h.m.Stop(ctx)
	// nothing was read, so the empty file is discarded
	if !errors.Is(err, failure.ErrInvalidState) {
		t.Fatalf("expected invalid state for empty recording, got %v", err)
	}
	if h.m.Active() || !src.closed.Load() {
		t.Fatal("stop must release token and source")
	}
	entries, _ := os.ReadDir(h.dir)
	if len(entries) != 0 {
		t.Fatalf("expected empty recording removed, found %d files", len(entries))
	}
	if _, err := h.m.Stop(ctx); !errors.Is(err, failure.ErrInvalidState) {
		t.Fatalf("stop without session: %v", err)
	}
}

func TestSilenceWarningIsDebounced(t *testing.T) {
	silent := make([]int16, 50)
	blocks := [][]int16{silent, silent, silent, silent, tone(50, 12000), silent}
	h := newHarness(t, plainCapture(), FixedOpener(&scriptSource{format: testFormat, blocks: blocks}))

	s, _, err := h.m.TryStart(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, s); err != nil {
		t.Fatalf("session: %v", err)
	}
	got := h.status.statuses()
	want := []string{"ok", "warning", "ok", "idle"}
	if len(got) != len(want) {
		t.Fatalf("statuses %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statuses %v, want %v", got, want)
		}
	}
}

func TestReadErrorAbortsButKeepsAudio(t *testing.T) {
	src := &scriptSource{
		format: testFormat,
		blocks: [][]int16{tone(50, 5000)},
		err:    &ReadError{Code: ReadDeadObject, Err: errors.New("unplugged")},
	}
	h := newHarness(t, plainCapture(), FixedOpener(src))
	s, _, err := h.m.TryStart(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec, err := wait(t, s)
	var re *ReadError
	if !errors.As(err, &re) || re.Code != ReadDeadObject {
		t.Fatalf("expected dead object read error, got %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("partial recording should still be cataloged")
	}
	if !src.closed.Load() {
		t.Fatal("source not released after error")
	}
	update, ok := h.status.find("error")
	if !ok || update.Code != "dead_object" || update.State != "error" {
		t.Fatalf("expected error status with code, got %+v", update)
	}
	if got := h.status.statuses(); got[len(got)-1] != "idle" {
		t.Fatalf("last status must be idle, got %v", got)
	}
	var sidecars vault.MetadataStore
	if _, ok, err := sidecars.Read(rec.FilePath); !ok || err != nil {
		t.Fatalf("finalized recording needs its sidecar: ok=%v err=%v", ok, err)
	}
}

func TestReadTimeoutMapsToDeadObject(t *testing.T) {
	cfg := plainCapture()
	cfg.ReadTimeoutMS = 20
	src := &blockingSource{format: testFormat}
	h := newHarness(t, cfg, FixedOpener(src))
	s, _, err := h.m.TryStart(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	_, err = wait(t, s)
	var re *ReadError
	if !errors.As(err, &re) || re.Code != ReadDeadObject {
		t.Fatalf("expected dead object after timeout, got %v", err)
	}
}

func TestStartFailureReleasesToken(t *testing.T) {
	open := func(context.Context, device.Selection) (Source, error) {
		return nil, failure.New(failure.InvalidState, "open input", errors.New("no input device available"))
	}
	h := newHarness(t, plainCapture(), open)
	s, started, err := h.m.TryStart(context.Background())
	if s != nil || !started || !errors.Is(err, failure.ErrInvalidState) {
		t.Fatalf("unexpected start result %v %v %v", s, started, err)
	}
	if h.m.Active() {
		t.Fatal("failed start must release the token")
	}
	if got := h.status.statuses(); got[len(got)-1] != "idle" {
		t.Fatalf("expected idle after failed start, got %v", got)
	}
}

func TestPlaintextWhenNoCipher(t *testing.T) {
	src := &scriptSource{format: testFormat, blocks: [][]int16{tone(40, 3000)}}
	dir := t.TempDir()
	m, err := NewManager(Options{Capture: plainCapture(), AudioDir: dir, Open: FixedOpener(src)}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	s, _, err := m.TryStart(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rec, err := wait(t, s)
	if err != nil {
		t.Fatal(err)
	}
	var sidecars vault.MetadataStore
	if _, ok, _ := sidecars.Read(rec.FilePath); ok {
		t.Fatal("plaintext recording must not have a sidecar")
	}
	info, _ := os.Stat(rec.FilePath)
	if info.Size() != container.HeaderSize+80 {
		t.Fatalf("unexpected file size %d", info.Size())
	}
}

func TestBusSource(t *testing.T) {
	client := bustest.Connect(t)
	src, err := NewBusSource(client, "usb1", 1000, 1)
	if err != nil {
		t.Fatalf("bus source: %v", err)
	}
	defer src.Close()

	frames := []protocol.AudioFrame{
		EncodeFrame("usb1", 0, testFormat, []int16{1, 2, 3}, false),
		EncodeFrame("usb1", 1, testFormat, []int16{4, 5}, true),
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.AudioFrameSubject("usb1"), f); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []int16
	block := make([]int16, 2)
	for {
		n, err := src.Read(ctx, block)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, block[:n]...)
	}
	if len(got) != 5 || got[0] != 1 || got[4] != 5 {
		t.Fatalf("unexpected samples %v", got)
	}

	bad := EncodeFrame("usb1", 2, container.Format{Channels: 1, SampleRate: 16000}, []int16{1}, false)
	src2, err := NewBusSource(client, "usb2", 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer src2.Close()
	if err := client.PublishJSON(protocol.AudioFrameSubject("usb2"), bad); err != nil {
		t.Fatal(err)
	}
	var re *ReadError
	if _, err := src2.Read(ctx, block); !errors.As(err, &re) || re.Code != ReadBadValue {
		t.Fatalf("expected bad value, got %v", err)
	}
}

func TestWAVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	data := []int{0, 100, -100, 32767, -32768}
	if err := enc.Write(&audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 16000}, Data: data, SourceBitDepth: 16}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	src, err := OpenWAVSource(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	if src.Format().SampleRate != 16000 || src.Format().Channels != 1 {
		t.Fatalf("unexpected format %+v", src.Format())
	}
	block := make([]int16, 8)
	n, err := src.Read(context.Background(), block)
	if err != nil || n != len(data) {
		t.Fatalf("read n=%d err=%v", n, err)
	}
	for i, v := range data {
		if int(block[i]) != v {
			t.Fatalf("sample %d = %d, want %d", i, block[i], v)
		}
	}
	if _, err := src.Read(context.Background(), block); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestNewOpenerFallbacks(t *testing.T) {
	open := NewOpener(config.CaptureConfig{SampleRate: 48000}, nil)
	if _, err := open(context.Background(), device.Select(nil)); !errors.Is(err, failure.ErrInvalidState) {
		t.Fatalf("expected invalid state without inputs, got %v", err)
	}
	sel := device.Select([]device.Info{{ID: "usb1", Type: device.TypeUSBDevice, Name: "USB"}})
	if _, err := open(context.Background(), sel); !errors.Is(err, failure.ErrInvalidState) {
		t.Fatalf("expected invalid state without bus, got %v", err)
	}
}

func TestStopWhileStarting(t *testing.T) {
	src := &blockingSource{format: testFormat}
	h := newHarness(t, plainCapture(), FixedOpener(src))
	var tick atomic.Int64
	h.m.clock = func() time.Time { return time.UnixMilli(1700000000000 + tick.Add(1)) }

	for i := 0; i < 200; i++ {
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if s := h.m.Current(); s != nil {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					s.Stop(ctx)
					return
				}
				runtime.Gosched()
			}
		}()
		s, started, err := h.m.TryStart(context.Background())
		if err != nil || !started {
			t.Fatalf("iteration %d: started=%v err=%v", i, started, err)
		}
		<-stopped
		// nothing was captured, so the session ends with an invalid state
		if _, err := wait(t, s); !errors.Is(err, failure.ErrInvalidState) {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if h.m.Active() {
			t.Fatalf("iteration %d: token still held", i)
		}
	}
}

func TestFinalizeFailureLeavesNoSidecar(t *testing.T) {
	src := &scriptSource{format: testFormat, blocks: [][]int16{tone(50, 8000), tone(50, 9000)}}
	h := newHarness(t, plainCapture(), FixedOpener(src))

	// A directory where the sidecar belongs makes persisting it fail after
	// the payload was encrypted and the header patched.
	path := filepath.Join(h.dir, "rec_1700000000000.wav")
	var sidecars vault.MetadataStore
	if err := os.Mkdir(sidecars.Path(path), 0o755); err != nil {
		t.Fatal(err)
	}

	s, started, err := h.m.TryStart(context.Background())
	if err != nil || !started {
		t.Fatalf("start: started=%v err=%v", started, err)
	}
	rec, err := wait(t, s)
	if err == nil || rec.ID != 0 {
		t.Fatalf("expected finalize failure, got %+v %v", rec, err)
	}
	if _, ok, err := sidecars.Read(path); ok || err != nil {
		t.Fatalf("sidecar must not survive a failed finalize: ok=%v err=%v", ok, err)
	}
	if len(h.catalog.recs) != 0 || len(h.queue.ids) != 0 {
		t.Fatalf("failed recording was cataloged: %v %v", h.catalog.recs, h.queue.ids)
	}
	if _, ok := h.status.find("error"); !ok {
		t.Fatal("finalize failure should be reported")
	}
	if h.m.Active() {
		t.Fatal("token must be released")
	}
}

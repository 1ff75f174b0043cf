package dsp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-memo/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func constantBlock(n int, v int16) []int16 {
	block := make([]int16, n)
	for i := range block {
		block[i] = v
	}
	return block
}

func TestGainNormalizerAttack(t *testing.T) {
	g := NewGainNormalizer(config.GainConfig{})
	block := constantBlock(64, 1000)
	g.Process(block)

	peak := 1000 / fullScale
	desired := math.Min(0.18/peak, 6)
	want := 1 + (desired-1)*0.15
	if math.Abs(g.Gain()-want) > 1e-9 {
		t.Fatalf("gain = %v, want %v", g.Gain(), want)
	}
	if block[0] != int16(1000*want) {
		t.Fatalf("sample = %d, want %d", block[0], int16(1000*want))
	}
}

func TestGainNormalizerReleaseIsSlower(t *testing.T) {
	g := NewGainNormalizer(config.GainConfig{})
	g.Process(constantBlock(64, 30000))
	desired := 0.18 / (30000 / fullScale)
	want := 1 + (desired-1)*0.01
	if math.Abs(g.Gain()-want) > 1e-9 {
		t.Fatalf("gain = %v, want %v", g.Gain(), want)
	}
}

func TestGainNormalizerClampsAndSkipsSilence(t *testing.T) {
	g := NewGainNormalizer(config.GainConfig{})
	silent := constantBlock(32, 0)
	g.Process(silent)
	if g.Gain() != 1 {
		t.Fatalf("silent block changed gain to %v", g.Gain())
	}
	for i := 0; i < 200; i++ {
		g.Process(constantBlock(32, 50))
	}
	if g.Gain() < 5.9 {
		t.Fatalf("expected gain near max, got %v", g.Gain())
	}
	raised := g.Gain()
	quiet := constantBlock(32, 0)
	g.Process(quiet)
	if g.Gain() != raised || quiet[0] != 0 {
		t.Fatalf("silence after speech moved gain %v -> %v", raised, g.Gain())
	}
	loud := constantBlock(4, 20000)
	loud[1] = -20000
	g.Process(loud)
	if loud[0] != 32767 || loud[1] != -32768 {
		t.Fatalf("expected clamping, got %v", loud)
	}
}

func TestNoiseGateAttenuatesFloorAndPassesSpeech(t *testing.T) {
	gate := NewNoiseGate()
	noise := constantBlock(2000, 100)
	gate.Process(noise)
	if last := noise[len(noise)-1]; last > 30 || last < 20 {
		t.Fatalf("expected noise attenuated to ~25, got %d", last)
	}

	// a sustained tone eventually raises the floor, so check the onset
	speech := constantBlock(200, 20000)
	gate.Process(speech)
	if speech[0] > 7000 {
		t.Fatalf("gain should open smoothly, first sample %d", speech[0])
	}
	if speech[60] < 19900 {
		t.Fatalf("expected speech to pass near unity, got %d", speech[60])
	}
}

type negateModel struct {
	size   int
	frames int
	err    error
	closed bool
}

func (m *negateModel) FrameSize() int { return m.size }

func (m *negateModel) DenoiseFrame(frame []int16) error {
	m.frames++
	if m.err != nil {
		for i := range frame {
			frame[i] = 0
		}
		return m.err
	}
	for i := range frame {
		frame[i] = -frame[i]
	}
	return nil
}

func (m *negateModel) Close() error {
	m.closed = true
	return nil
}

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i + 1)
	}
	return out
}

func TestFrameDenoiserBuffersAcrossCalls(t *testing.T) {
	model := &negateModel{size: DefaultFrameSize}
	d := NewFrameDenoiser(model, newLogger())
	input := ramp(1000)

	var output []int16
	for _, size := range []int{300, 300, 300, 100} {
		block := append([]int16(nil), input[len(output):len(output)+size]...)
		d.Process(block)
		output = append(output, block...)
	}
	output = append(output, d.Flush()...)

	if len(output) != DefaultFrameSize+len(input) {
		t.Fatalf("output length %d", len(output))
	}
	for i := 0; i < DefaultFrameSize; i++ {
		if output[i] != 0 {
			t.Fatalf("expected priming silence at %d, got %d", i, output[i])
		}
	}
	for i, v := range input {
		if got := output[DefaultFrameSize+i]; got != -v {
			t.Fatalf("sample %d = %d, want %d", i, got, -v)
		}
	}
	if model.frames != 3 {
		t.Fatalf("expected 2 full frames and one padded frame, got %d", model.frames)
	}
	if err := d.Close(); err != nil || !model.closed {
		t.Fatalf("close did not reach model")
	}
}

func TestFrameDenoiserPassesThroughOnModelError(t *testing.T) {
	model := &negateModel{size: 4, err: errors.New("boom")}
	d := NewFrameDenoiser(model, newLogger())
	block := []int16{1, 2, 3, 4, 5, 6, 7, 8}
	d.Process(block)
	want := []int16{0, 0, 0, 0, 1, 2, 3, 4}
	for i := range want {
		if block[i] != want[i] {
			t.Fatalf("block = %v, want %v", block, want)
		}
	}
	if model.frames != 1 {
		t.Fatalf("failed model should not be called again, calls=%d", model.frames)
	}
}

type doubler struct{}

func (doubler) Process(block []int16) {
	for i := range block {
		block[i] *= 2
	}
}

func TestChainFlushRunsTailThroughLaterStages(t *testing.T) {
	model := &negateModel{size: 4}
	chain := NewChain(NewFrameDenoiser(model, newLogger()), nil, doubler{})
	if chain.Len() != 2 {
		t.Fatalf("nil stages must be skipped, len=%d", chain.Len())
	}
	block := []int16{1, 2, 3, 4, 5, 6}
	chain.Process(block)
	tail := chain.Flush()

	all := append(block, tail...)
	want := []int16{0, 0, 0, 0, -2, -4, -6, -8, -10, -12}
	if len(all) != len(want) {
		t.Fatalf("got %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Fatalf("got %v, want %v", all, want)
		}
	}
	if err := chain.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStats(t *testing.T) {
	s := Stats(constantBlock(100, 0))
	if !s.IsSilence || s.PeakDb != -120 {
		t.Fatalf("unexpected stats for silence: %+v", s)
	}
	s = Stats(constantBlock(100, 32767))
	if s.IsSilence || math.Abs(s.PeakDb) > 1e-9 {
		t.Fatalf("unexpected stats for full scale: %+v", s)
	}
	s = Stats(constantBlock(100, 200))
	if !s.IsSilence {
		t.Fatalf("low level block should count as silence: %+v", s)
	}
	if s := Stats(nil); !s.IsSilence {
		t.Fatal("empty block should be silence")
	}
}

// identityDenoiser is a minimal module exporting memory, alloc_frame (returns
// 1024) and a no-op denoise_frame.
var identityDenoiser = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type section: () -> i32, (i32, i32) -> ()
	0x01, 0x0a, 0x02, 0x60, 0x00, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x00,
	// function section
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory section: one page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export section
	0x07, 0x28, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0b, 'a', 'l', 'l', 'o', 'c', '_', 'f', 'r', 'a', 'm', 'e', 0x00, 0x00,
	0x0d, 'd', 'e', 'n', 'o', 'i', 's', 'e', '_', 'f', 'r', 'a', 'm', 'e', 0x00, 0x01,
	// code section
	0x0a, 0x0a, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x02, 0x00, 0x0b,
}

func TestWasmModelRoundTripsFrames(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "identity.wasm")
	if err := os.WriteFile(path, identityDenoiser, 0o644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	model, err := NewWasmModel(ctx, path, 8)
	if err != nil {
		t.Fatalf("load module: %v", err)
	}
	d := NewFrameDenoiser(model, newLogger())
	t.Cleanup(func() { _ = d.Close() })

	block := []int16{-3, 7, 32767, -32768, 11, 12, 13, 14, 15, 16}
	input := append([]int16(nil), block...)
	d.Process(block)
	out := append(block, d.Flush()...)
	for i := 0; i < 8; i++ {
		if out[i] != 0 {
			t.Fatalf("expected priming zeros, got %v", out)
		}
	}
	for i, v := range input {
		if out[8+i] != v {
			t.Fatalf("sample %d = %d, want %d", i, out[8+i], v)
		}
	}
}

func TestWasmModelMissingFile(t *testing.T) {
	if _, err := NewWasmModel(context.Background(), filepath.Join(t.TempDir(), "missing.wasm"), 480); err == nil {
		t.Fatal("expected error for missing module")
	}
}

func TestNewDenoiserBackends(t *testing.T) {
	ctx := context.Background()
	p, err := NewDenoiser(ctx, config.DenoiserConfig{Backend: "none"}, newLogger())
	if err != nil || p != nil {
		t.Fatalf("none backend should be nil, got %v %v", p, err)
	}
	if _, err := NewDenoiser(ctx, config.DenoiserConfig{Backend: "rnnoise-native"}, newLogger()); err == nil {
		t.Fatal("expected unknown backend error")
	}
	p, err = NewDenoiser(ctx, config.DenoiserConfig{Backend: "gate"}, newLogger())
	if err != nil {
		t.Fatalf("gate backend: %v", err)
	}
	if _, ok := p.(*NoiseGate); !ok {
		t.Fatalf("expected noise gate, got %T", p)
	}

	RegisterDenoiser("test-negate", func(context.Context, config.DenoiserConfig, *slog.Logger) (Processor, error) {
		return NewFrameDenoiser(&negateModel{size: 4}, nil), nil
	})
	p, err = NewDenoiser(ctx, config.DenoiserConfig{Backend: "test-negate"}, newLogger())
	if err != nil {
		t.Fatalf("registered backend: %v", err)
	}
	if _, ok := p.(Flusher); !ok {
		t.Fatalf("expected flushing backend, got %T", p)
	}
}

func TestBuildChainFallsBackToGate(t *testing.T) {
	cfg := config.Default().Capture
	cfg.Denoiser = config.DenoiserConfig{Backend: "wasm", ModulePath: filepath.Join(t.TempDir(), "missing.wasm")}
	chain, err := BuildChain(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if chain.Len() != 2 {
		t.Fatalf("expected gain + gate, got %d stages", chain.Len())
	}
	if _, ok := chain.stages[1].(*NoiseGate); !ok {
		t.Fatalf("expected noise gate fallback, got %T", chain.stages[1])
	}
}

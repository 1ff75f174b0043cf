package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/failure"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeWAV writes durationMs of a ramp signal as a canonical 16-bit WAV.
func writeWAV(t *testing.T, dir string, rate, channels int, durationMs int64) string {
	t.Helper()
	format := container.Format{Channels: channels, SampleRate: rate, BitsPerSample: 16}
	frames := int64(rate) * durationMs / 1000
	pcm := make([]byte, frames*int64(format.BlockAlign()))
	for i := 0; i+1 < len(pcm); i += 2 {
		pcm[i] = byte(i / 2)
	}
	var buf bytes.Buffer
	if err := container.WriteHeader(&buf, format, uint64(len(pcm))); err != nil {
		t.Fatalf("write header: %v", err)
	}
	buf.Write(pcm)
	path := filepath.Join(dir, "input.wav")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeEngine struct {
	kind      Kind
	available bool
	res       Result
	err       error
	calls     int
}

func (f *fakeEngine) Kind() Kind      { return f.kind }
func (f *fakeEngine) Available() bool { return f.available }
func (f *fakeEngine) TranscribeFile(context.Context, string) (Result, error) {
	f.calls++
	return f.res, f.err
}

func TestArbitratorSelection(t *testing.T) {
	baseRes := Result{Text: "base"}
	premRes := Result{Text: "premium"}

	cases := []struct {
		name         string
		enabled      bool
		available    bool
		premiumErr   error
		wantText     string
		wantEngine   Kind
		wantFallback bool
		wantErr      bool
	}{
		{"premium disabled", false, true, nil, "base", KindBaseline, false, false},
		{"premium unavailable", true, false, nil, "base", KindBaseline, false, false},
		{"premium succeeds", true, true, nil, "premium", KindPremium, false, false},
		{"model missing falls back", true, true, failure.New(failure.ModelUnavailable, "load", nil), "base", KindBaseline, true, false},
		{"oom falls back", true, true, failure.New(failure.OutOfMemory, "run", nil), "base", KindBaseline, true, false},
		{"native missing falls back", true, true, failure.New(failure.NativeUnavailable, "run", nil), "base", KindBaseline, true, false},
		{"unsupported falls back", true, true, failure.New(failure.UnsupportedOperation, "run", nil), "base", KindBaseline, true, false},
		{"malformed propagates", true, true, failure.New(failure.MalformedInput, "read", nil), "", KindPremium, false, true},
		{"unknown propagates", true, true, errors.New("boom"), "", KindPremium, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			premium := &fakeEngine{kind: KindPremium, available: tc.available, res: premRes, err: tc.premiumErr}
			baseline := &fakeEngine{kind: KindBaseline, available: true, res: baseRes}
			arb, err := NewArbitrator(premium, baseline, tc.enabled, newLogger())
			if err != nil {
				t.Fatalf("new arbitrator: %v", err)
			}
			res, decision, err := arb.Transcribe(context.Background(), "x.wav")
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if res.Text != tc.wantText || decision.Engine != tc.wantEngine || decision.Fallback != tc.wantFallback {
				t.Fatalf("got %q %+v", res.Text, decision)
			}
			if tc.wantFallback && decision.Notice == "" {
				t.Fatal("fallback needs a notice")
			}
			if tc.wantErr && baseline.calls != 0 {
				t.Fatal("baseline must not run after a fatal premium error")
			}
		})
	}
}

// overlapRuntime mimics a runtime that reports its own next offset.
type overlapRuntime struct {
	overlap  int64
	requests []WindowRequest
}

func (r *overlapRuntime) Available() bool { return true }

func (r *overlapRuntime) Window(_ context.Context, req WindowRequest) (WindowChunk, error) {
	r.requests = append(r.requests, req)
	end := min(req.OffsetMs+req.WindowMs, req.TotalMs)
	text := fmt.Sprintf("w%d-%d", req.OffsetMs/1000, end/1000)
	completed := end >= req.TotalMs
	next := end - r.overlap
	if completed {
		next = end
	}
	return WindowChunk{
		Text:         text,
		Segments:     []WindowSegment{{StartMs: req.OffsetMs, EndMs: end, Text: text}},
		Context:      append(append([]string{}, req.Context...), fmt.Sprint(end/1000)),
		Completed:    completed,
		NextOffsetMs: &next,
	}, nil
}

func TestWindowedEngineWalksOverlappingWindows(t *testing.T) {
	path := writeWAV(t, t.TempDir(), 1000, 1, 70000)
	rt := &overlapRuntime{overlap: 5000}
	eng := NewWindowedEngine(rt, WindowOptions{}, newLogger())

	res, err := eng.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.DurationMs != 70000 {
		t.Fatalf("duration = %d", res.DurationMs)
	}
	if res.Text != "w0-30 w25-55 w50-70" {
		t.Fatalf("text = %q", res.Text)
	}
	want := []Segment{
		{StartMs: 0, EndMs: 30000, Text: "w0-30"},
		{StartMs: 25000, EndMs: 55000, Text: "w25-55"},
		{StartMs: 50000, EndMs: 70000, Text: "w50-70"},
	}
	if !reflect.DeepEqual(res.Segments, want) {
		t.Fatalf("segments = %+v", res.Segments)
	}
	if got := rt.requests[2].Context; !reflect.DeepEqual(got, []string{"30", "55"}) {
		t.Fatalf("context not carried: %v", got)
	}
}

type scriptedRuntime struct {
	chunks  []WindowChunk
	errs    []error
	calls   int
	offsets []int64
}

func (r *scriptedRuntime) Available() bool { return true }

func (r *scriptedRuntime) Window(_ context.Context, req WindowRequest) (WindowChunk, error) {
	i := r.calls
	r.calls++
	r.offsets = append(r.offsets, req.OffsetMs)
	if i < len(r.errs) && r.errs[i] != nil {
		return WindowChunk{}, r.errs[i]
	}
	if i < len(r.chunks) {
		return r.chunks[i], nil
	}
	return WindowChunk{}, nil
}

func TestWindowedEngineMergeAndDefaultAdvance(t *testing.T) {
	path := writeWAV(t, t.TempDir(), 1000, 1, 70000)
	rt := &scriptedRuntime{chunks: []WindowChunk{
		{Text: " un ", Segments: []WindowSegment{{StartMs: 0, EndMs: 29000, Text: "un"}}},
		{Text: "", Segments: []WindowSegment{
			{StartMs: 25000, EndMs: 28000, Text: "doublon"},
			{StartMs: 20000, EndMs: 40000, Text: "deux"},
			{StartMs: 40000, EndMs: 41000, Text: "  "},
		}},
		{Text: "trois", Segments: []WindowSegment{{StartMs: 50000, EndMs: 70000, Text: "trois"}}},
	}}
	eng := NewWindowedEngine(rt, WindowOptions{WindowMs: 30000, OverlapMs: 5000, MinStepMs: 1000}, newLogger())
	res, err := eng.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if rt.calls != 3 {
		t.Fatalf("expected three windows, got %d", rt.calls)
	}
	want := []Segment{
		{StartMs: 0, EndMs: 29000, Text: "un"},
		{StartMs: 24000, EndMs: 40000, Text: "deux"},
		{StartMs: 50000, EndMs: 70000, Text: "trois"},
	}
	if !reflect.DeepEqual(res.Segments, want) {
		t.Fatalf("segments = %+v", res.Segments)
	}
	if res.Text != "un trois" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestWindowedEngineStops(t *testing.T) {
	path := writeWAV(t, t.TempDir(), 1000, 1, 70000)

	stuck := int64(0)
	rt := &scriptedRuntime{chunks: []WindowChunk{{Text: "a", NextOffsetMs: &stuck}}}
	eng := NewWindowedEngine(rt, WindowOptions{}, newLogger())
	if _, err := eng.TranscribeFile(context.Background(), path); err != nil || rt.calls != 1 {
		t.Fatalf("non-advancing offset should stop: calls=%d err=%v", rt.calls, err)
	}

	rt = &scriptedRuntime{chunks: []WindowChunk{{Text: "a"}}, errs: []error{nil, ErrEmptyWindow}}
	eng = NewWindowedEngine(rt, WindowOptions{}, newLogger())
	res, err := eng.TranscribeFile(context.Background(), path)
	if err != nil || res.Text != "a" || rt.calls != 2 {
		t.Fatalf("empty window should stop with partial text: %+v calls=%d err=%v", res, rt.calls, err)
	}

	rt = &scriptedRuntime{errs: []error{failure.New(failure.OutOfMemory, "run", nil)}}
	eng = NewWindowedEngine(rt, WindowOptions{}, newLogger())
	if _, err := eng.TranscribeFile(context.Background(), path); !errors.Is(err, failure.ErrOutOfMemory) {
		t.Fatalf("runtime error should propagate, got %v", err)
	}
}

func TestWindowedEngineNegativeNextOffsetUsesDefaultAdvance(t *testing.T) {
	path := writeWAV(t, t.TempDir(), 1000, 1, 70000)
	unset := int64(-1)
	rt := &scriptedRuntime{chunks: []WindowChunk{
		{Text: "un", NextOffsetMs: &unset},
		{Text: "deux", NextOffsetMs: &unset},
		{Text: "trois", NextOffsetMs: &unset},
	}}
	eng := NewWindowedEngine(rt, WindowOptions{}, newLogger())
	res, err := eng.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !reflect.DeepEqual(rt.offsets, []int64{0, 25000, 50000}) {
		t.Fatalf("offsets = %v", rt.offsets)
	}
	if res.Text != "un deux trois" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestWindowedEngineRejectsBadContainer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	os.WriteFile(path, []byte("not a wav"), 0o600)
	eng := NewWindowedEngine(&scriptedRuntime{}, WindowOptions{}, newLogger())
	if _, err := eng.TranscribeFile(context.Background(), path); !errors.Is(err, failure.ErrMalformedInput) {
		t.Fatalf("expected malformed input, got %v", err)
	}
}

func TestStreamingEngineWithMockRecognizer(t *testing.T) {
	path := writeWAV(t, t.TempDir(), 8000, 1, 2500)
	eng := NewStreamingEngine(MockRecognizerFactory(1000), 0, newLogger())
	res, err := eng.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	want := []Segment{
		{StartMs: 0, EndMs: 1000, Text: "segment 1"},
		{StartMs: 1000, EndMs: 2000, Text: "segment 2"},
		{StartMs: 2000, EndMs: 2500, Text: "segment 3"},
	}
	if !reflect.DeepEqual(res.Segments, want) {
		t.Fatalf("segments = %+v", res.Segments)
	}
	if res.Text != "segment 1 segment 2 segment 3" || res.DurationMs != 2500 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestUtteranceAccumulator(t *testing.T) {
	var acc utteranceAccumulator
	log := newLogger()
	acc.add(`{"result":[{"word":"bonjour","start":0.5,"end":0.9},{"word":"tous","start":1.0,"end":1.25}],"text":"  bonjour   tous "}`, log)
	acc.add(`{"text":"sans mots"}`, log)
	acc.add(`not json`, log)
	acc.add(`{"result":[{"word":"fin","start":2,"end":2.4}]}`, log)
	want := []Segment{{StartMs: 500, EndMs: 1250, Text: "bonjour tous"}, {StartMs: 2000, EndMs: 2400, Text: "fin"}}
	if !reflect.DeepEqual(acc.segments, want) || acc.durationMs != 2400 {
		t.Fatalf("accumulated %+v (%d ms)", acc.segments, acc.durationMs)
	}
}

func TestSliceWindow(t *testing.T) {
	dir := t.TempDir()
	path := writeWAV(t, dir, 8000, 2, 3000)
	out, err := os.Create(filepath.Join(dir, "slice.wav"))
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	if err := sliceWindow(path, out, 2000, 30000); err != nil {
		t.Fatalf("slice: %v", err)
	}
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	dec := wav.NewDecoder(out)
	dur, err := dec.Duration()
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if dur.Milliseconds() != 1000 || dec.NumChans != 2 || dec.SampleRate != 8000 {
		t.Fatalf("slice is %v, %d channels at %d Hz", dur, dec.NumChans, dec.SampleRate)
	}
}

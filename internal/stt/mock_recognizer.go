package stt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-memo/internal/container"
)

// MockRecognizer emits one two-word utterance per UtteranceMs of audio. It
// backs the mock baseline mode and tests.
type MockRecognizer struct {
	format      container.Format
	utteranceMs int64
	fed         int64
	emitted     int64
	last        string
}

// MockRecognizerFactory returns a factory for MockRecognizer. A
// non-positive utteranceMs defaults to one second.
func MockRecognizerFactory(utteranceMs int64) RecognizerFactory {
	if utteranceMs <= 0 {
		utteranceMs = 1000
	}
	return func(_ context.Context, format container.Format) (StreamRecognizer, error) {
		return &MockRecognizer{format: format, utteranceMs: utteranceMs}, nil
	}
}

func (m *MockRecognizer) elapsedMs() int64 {
	rate := int64(m.format.ByteRate())
	if rate <= 0 {
		return 0
	}
	return m.fed * 1000 / rate
}

func (m *MockRecognizer) AcceptWaveform(_ context.Context, pcm []byte) (bool, error) {
	m.fed += int64(len(pcm))
	if m.elapsedMs()-m.emitted*m.utteranceMs < m.utteranceMs {
		return false, nil
	}
	start := m.emitted * m.utteranceMs
	m.emitted++
	m.last = m.utterance(start, m.emitted*m.utteranceMs)
	return true, nil
}

func (m *MockRecognizer) Result() string { return m.last }

func (m *MockRecognizer) FinalResult(context.Context) (string, error) {
	start := m.emitted * m.utteranceMs
	end := m.elapsedMs()
	if end <= start {
		return `{"text":""}`, nil
	}
	m.emitted++
	return m.utterance(start, end), nil
}

func (m *MockRecognizer) utterance(startMs, endMs int64) string {
	mid := (startMs + endMs) / 2
	u := Utterance{
		Words: []Word{
			{Word: "segment", Start: float64(startMs) / 1000, End: float64(mid) / 1000},
			{Word: fmt.Sprint(m.emitted), Start: float64(mid) / 1000, End: float64(endMs) / 1000},
		},
	}
	data, _ := json.Marshal(u)
	return string(data)
}

func (m *MockRecognizer) Close() error { return nil }

// Package summary turns a transcript into a structured meeting summary,
// either through a generative backend or through deterministic heuristics.
package summary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

// StructuredSummary is the typed view of a summary document.
type StructuredSummary struct {
	Title        string        `json:"title"`
	Summary      Section       `json:"summary"`
	Actions      []Action      `json:"actions"`
	Decisions    []Decision    `json:"decisions"`
	Citations    []Citation    `json:"citations"`
	Sentiments   []Sentiment   `json:"sentiments"`
	Participants []Participant `json:"participants"`
	Tags         []string      `json:"tags"`
	Keywords     []string      `json:"keywords"`
	Topics       []string      `json:"topics"`
	Timings      []Timing      `json:"timings"`
	DurationMs   int64         `json:"durationMs"`
	STT          *Provenance   `json:"stt,omitempty"`
}

type Section struct {
	Context string   `json:"context"`
	Bullets []string `json:"bullets"`
}

type Action struct {
	Who             string       `json:"who"`
	What            string       `json:"what"`
	Due             string       `json:"due"`
	Priority        string       `json:"priority"`
	Status          string       `json:"status"`
	Confidence      float64      `json:"confidence"`
	RelatedSegments []SegmentRef `json:"relatedSegments"`
}

type SegmentRef struct {
	StartMs int64 `json:"startMs"`
	EndMs   int64 `json:"endMs"`
}

type Decision struct {
	Description string  `json:"description"`
	Owner       string  `json:"owner"`
	TimestampMs int64   `json:"timestampMs"`
	Confidence  float64 `json:"confidence"`
}

type Citation struct {
	Quote   string `json:"quote"`
	Speaker string `json:"speaker"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

type Sentiment struct {
	Target string  `json:"target"`
	Value  string  `json:"value"`
	Score  float64 `json:"score"`
}

type Participant struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type Timing struct {
	Label   string `json:"label"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

// Provenance names the speech engine behind a summary.
type Provenance struct {
	Engine   string `json:"engine"`
	Language string `json:"language,omitempty"`
}

// Parse reads a summary document leniently: fields with unexpected types are
// left empty, blank strings are dropped from string lists and a surrounding
// markdown code fence is ignored.
func Parse(raw []byte) (StructuredSummary, error) {
	body := ExtractJSON(raw)
	if len(body) == 0 {
		return StructuredSummary{}, failure.New(failure.MalformedInput, "parse summary", errors.New("empty document"))
	}
	var s StructuredSummary
	if err := json.Unmarshal(body, &s); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return StructuredSummary{}, failure.New(failure.MalformedInput, "parse summary", err)
		}
	}
	s.Summary.Bullets = nonBlank(s.Summary.Bullets)
	s.Tags = nonBlank(s.Tags)
	s.Keywords = nonBlank(s.Keywords)
	s.Topics = nonBlank(s.Topics)
	return s, nil
}

// ExtractJSON strips a markdown code fence some models wrap their output in.
func ExtractJSON(raw []byte) []byte {
	body := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(body, []byte("```")) {
		return body
	}
	body = body[3:]
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}
	if end := bytes.LastIndex(body, []byte("```")); end >= 0 {
		body = body[:end]
	}
	return bytes.TrimSpace(body)
}

// WithProvenance returns doc with its "stt" member set to p. Every other
// member is preserved as is.
func WithProvenance(doc []byte, p Provenance) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	if m == nil {
		return nil, failure.New(failure.MalformedInput, "merge provenance", errors.New("summary is not an object"))
	}
	m["stt"] = p
	return json.Marshal(m)
}

func nonBlank(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

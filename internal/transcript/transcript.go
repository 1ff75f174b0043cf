// Package transcript holds the engine-neutral transcription result shared by
// the recognizers, the store and the exporters.
package transcript

import "strings"

// DefaultMinSegmentMs is the shortest segment kept on its own by
// MergeShortSegments.
const DefaultMinSegmentMs = 750

// Segment is a timed span of recognized text. EndMs is never before StartMs.
type Segment struct {
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	Text    string `json:"text"`
}

// DurationMs returns the span covered by the segment.
func (s Segment) DurationMs() int64 { return s.EndMs - s.StartMs }

// Result is the output of a transcription engine. Segments are ordered by
// StartMs.
type Result struct {
	Text       string    `json:"text"`
	Segments   []Segment `json:"segments"`
	DurationMs int64     `json:"durationMs"`
}

// NormalizedText collapses whitespace runs to single spaces and trims the ends.
func (r Result) NormalizedText() string {
	return Normalize(r.Text)
}

// MergeShortSegments folds every segment shorter than minMs into the one that
// follows it. The last accumulated segment is always kept.
func (r Result) MergeShortSegments(minMs int64) []Segment {
	if len(r.Segments) == 0 {
		return nil
	}
	merged := make([]Segment, 0, len(r.Segments))
	current := r.Segments[0]
	for _, next := range r.Segments[1:] {
		if current.DurationMs() < minMs {
			current.EndMs = next.EndMs
			current.Text = Normalize(current.Text + " " + next.Text)
			continue
		}
		merged = append(merged, current)
		current = next
	}
	return append(merged, current)
}

// Normalize collapses whitespace runs to single spaces and trims the ends.
func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package transcript

import (
	"reflect"
	"testing"
)

func TestNormalizedText(t *testing.T) {
	r := Result{Text: "  bonjour \t à\n\n tous  "}
	if got := r.NormalizedText(); got != "bonjour à tous" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestMergeShortSegments(t *testing.T) {
	r := Result{Segments: []Segment{
		{StartMs: 0, EndMs: 200, Text: "Salut"},
		{StartMs: 200, EndMs: 350, Text: " tout "},
		{StartMs: 350, EndMs: 1200, Text: "le monde"},
	}}
	got := r.MergeShortSegments(300)
	want := []Segment{
		{StartMs: 0, EndMs: 350, Text: "Salut tout"},
		{StartMs: 350, EndMs: 1200, Text: "le monde"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("merge = %+v, want %+v", got, want)
	}
}

func TestMergeShortSegmentsKeepsTrailingShortSegment(t *testing.T) {
	r := Result{Segments: []Segment{
		{StartMs: 0, EndMs: 1000, Text: "long"},
		{StartMs: 1000, EndMs: 1100, Text: "fin"},
	}}
	got := r.MergeShortSegments(DefaultMinSegmentMs)
	if len(got) != 2 || got[1].Text != "fin" {
		t.Fatalf("unexpected merge %+v", got)
	}
	if out := (Result{}).MergeShortSegments(DefaultMinSegmentMs); len(out) != 0 {
		t.Fatalf("empty input should merge to nothing, got %+v", out)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loqalabs/loqa-memo/internal/store"
)

// printer writes either aligned tables for people or JSON for pipes.
type printer struct {
	w    io.Writer
	json bool
	now  func() time.Time
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, json: asJSON, now: time.Now}
}

func (p *printer) emit(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type recordingRow struct {
	ID         int64     `json:"id"`
	File       string    `json:"file"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMs int64     `json:"duration_ms"`
	Snippet    string    `json:"snippet,omitempty"`
}

func rowOf(rec store.Recording) recordingRow {
	return recordingRow{ID: rec.ID, File: rec.FilePath, CreatedAt: rec.CreatedAt, DurationMs: rec.DurationMs}
}

func (p *printer) recordings(rows []recordingRow) error {
	if p.json {
		if rows == nil {
			rows = []recordingRow{}
		}
		return p.emit(rows)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.w, "no recordings")
		return err
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tDURATION\tFILE\tMATCH")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			r.ID,
			humanize.RelTime(r.CreatedAt, p.now(), "ago", "from now"),
			formatDuration(r.DurationMs),
			r.File,
			oneLine(r.Snippet))
	}
	return tw.Flush()
}

// kv prints ordered key/value pairs.
func (p *printer) kv(pairs ...any) error {
	if p.json {
		m := make(map[string]any, len(pairs)/2)
		for i := 0; i+1 < len(pairs); i += 2 {
			m[fmt.Sprint(pairs[i])] = pairs[i+1]
		}
		return p.emit(m)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(tw, "%v:\t%v\n", pairs[i], pairs[i+1])
	}
	return tw.Flush()
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fileSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

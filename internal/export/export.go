// Package export renders stored recordings as Markdown and JSON documents.
package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-memo/internal/store"
	"github.com/loqalabs/loqa-memo/internal/summary"
	"github.com/loqalabs/loqa-memo/internal/transcript"
)

// Source is the read side of the store.
type Source interface {
	GetRecording(ctx context.Context, id int64) (store.Recording, error)
	ListRecordings(ctx context.Context, limit int) ([]store.Recording, error)
	Transcript(ctx context.Context, recordingID int64) (string, int64, bool, error)
	Segments(ctx context.Context, recordingID int64) ([]transcript.Segment, error)
	Summary(ctx context.Context, recordingID int64) ([]byte, error)
}

// Sealer encrypts a finished export file in place.
type Sealer interface {
	EncryptFile(ctx context.Context, alias, path string) error
}

// Session is the JSON document of one recording.
type Session struct {
	ID         int64                `json:"id"`
	File       string               `json:"file"`
	CreatedAt  int64                `json:"createdAt"`
	DurationMs int64                `json:"durationMs"`
	Transcript string               `json:"transcript"`
	STT        *summary.Provenance  `json:"stt,omitempty"`
	Summary    json.RawMessage      `json:"summary"`
	Segments   []transcript.Segment `json:"segments"`
}

// Exporter writes export files into a directory, sealing them when a Sealer
// is configured.
type Exporter struct {
	src    Source
	dir    string
	sealer Sealer
	alias  string
	log    *slog.Logger
	clock  func() time.Time
}

// New returns an exporter writing to dir. sealer may be nil.
func New(src Source, dir string, sealer Sealer, alias string, log *slog.Logger) *Exporter {
	return &Exporter{
		src:    src,
		dir:    dir,
		sealer: sealer,
		alias:  alias,
		log:    log.With(slog.String("component", "export")),
		clock:  time.Now,
	}
}

// Markdown renders one recording.
func (e *Exporter) Markdown(ctx context.Context, id int64) (string, error) {
	rec, err := e.src.GetRecording(ctx, id)
	if err != nil {
		return "", err
	}
	text, _, ok, err := e.src.Transcript(ctx, id)
	if err != nil {
		return "", err
	}
	segs, err := e.src.Segments(ctx, id)
	if err != nil {
		return "", err
	}
	raw, err := e.src.Summary(ctx, id)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session: %s\n\n", filepath.Base(rec.FilePath))
	if raw != nil {
		if doc, err := summary.Parse(raw); err == nil {
			sb.WriteString("## Résumé\n")
			fmt.Fprintf(&sb, "- Titre: %s\n", doc.Title)
			fmt.Fprintf(&sb, "- Contexte: %s\n", doc.Summary.Context)
			sb.WriteString("- Points clés:\n")
			for _, b := range doc.Summary.Bullets {
				fmt.Fprintf(&sb, "  - %s\n", b)
			}
			sb.WriteString("\n")
		} else {
			e.log.Warn("unreadable summary skipped", slog.Int64("recording_id", id), slogError(err))
		}
	}
	sb.WriteString("## Transcript\n")
	if !ok {
		text = "(vide)"
	}
	sb.WriteString(text)
	sb.WriteString("\n\n## Segments\n")
	for _, s := range segs {
		fmt.Fprintf(&sb, "- [%d–%d] %s\n", s.StartMs, s.EndMs, s.Text)
	}
	return sb.String(), nil
}

// Session assembles the JSON document of one recording. A recording without
// summary gets an empty object.
func (e *Exporter) Session(ctx context.Context, id int64) (Session, error) {
	rec, err := e.src.GetRecording(ctx, id)
	if err != nil {
		return Session{}, err
	}
	text, _, _, err := e.src.Transcript(ctx, id)
	if err != nil {
		return Session{}, err
	}
	segs, err := e.src.Segments(ctx, id)
	if err != nil {
		return Session{}, err
	}
	raw, err := e.src.Summary(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if segs == nil {
		segs = []transcript.Segment{}
	}
	s := Session{
		ID:         rec.ID,
		File:       rec.FilePath,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
		DurationMs: rec.DurationMs,
		Transcript: text,
		Summary:    json.RawMessage("{}"),
		Segments:   segs,
	}
	if raw != nil && json.Valid(raw) {
		s.Summary = json.RawMessage(raw)
		if doc, err := summary.Parse(raw); err == nil {
			s.STT = doc.STT
		}
	}
	return s, nil
}

// WriteJSON writes <name>.json for one recording and returns its path.
func (e *Exporter) WriteJSON(ctx context.Context, id int64) (string, error) {
	s, err := e.Session(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.dir, stem(s.File)+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return path, e.seal(ctx, path)
}

// WriteMarkdownZip writes one Markdown entry per recording into a new zip
// archive and returns its path.
func (e *Exporter) WriteMarkdownZip(ctx context.Context) (path string, err error) {
	recs, err := e.src.ListRecordings(ctx, 0)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.dir, 0o700); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path = filepath.Join(e.dir, fmt.Sprintf("export_markdown_%d.zip", e.clock().UnixMilli()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	zw := zip.NewWriter(f)
	for _, rec := range recs {
		md, err := e.Markdown(ctx, rec.ID)
		if err != nil {
			return "", err
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     stem(rec.FilePath) + ".md",
			Method:   zip.Deflate,
			Modified: rec.CreatedAt,
		})
		if err != nil {
			return "", fmt.Errorf("add entry: %w", err)
		}
		if _, err := w.Write([]byte(md)); err != nil {
			return "", fmt.Errorf("write entry: %w", err)
		}
	}
	if err = zw.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	e.log.Info("markdown export written", slog.String("path", path), slog.Int("recordings", len(recs)))
	return path, e.seal(ctx, path)
}

func (e *Exporter) seal(ctx context.Context, path string) error {
	if e.sealer == nil {
		return nil
	}
	if err := e.sealer.EncryptFile(ctx, e.alias, path); err != nil {
		return fmt.Errorf("encrypt export: %w", err)
	}
	return nil
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-memo/internal/config"
	"github.com/loqalabs/loqa-memo/internal/store"
	"github.com/loqalabs/loqa-memo/internal/summary"
	"github.com/loqalabs/loqa-memo/internal/transcript"
	"github.com/loqalabs/loqa-memo/internal/vault"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seed(t *testing.T) (*store.Store, int64, int64) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, config.StorageConfig{DBPath: filepath.Join(t.TempDir(), "memo.db")}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	done, err := st.InsertRecording(ctx, store.Recording{FilePath: "/data/audio/rec_1.wav", CreatedAt: time.UnixMilli(123456789), DurationMs: 60000})
	if err != nil {
		t.Fatal(err)
	}
	pending, err := st.InsertRecording(ctx, store.Recording{FilePath: "/data/audio/rec_2.wav", CreatedAt: time.UnixMilli(223456789), DurationMs: 1000})
	if err != nil {
		t.Fatal(err)
	}

	fallback, _ := json.Marshal(summary.Fallback("Alice présente le budget du projet. Bob valide le calendrier.", 60000))
	doc, err := summary.WithProvenance(fallback, summary.Provenance{Engine: "premium", Language: "fr"})
	if err != nil {
		t.Fatal(err)
	}
	result := transcript.Result{
		Text:       "Bonjour à tous",
		Segments:   []transcript.Segment{{StartMs: 0, EndMs: 1500, Text: "Salut à tous"}},
		DurationMs: 60000,
	}
	if err := st.SaveTranscription(ctx, done, result, doc); err != nil {
		t.Fatal(err)
	}
	return st, done, pending
}

func TestMarkdown(t *testing.T) {
	st, done, pending := seed(t)
	e := New(st, t.TempDir(), nil, "", newLogger())

	md, err := e.Markdown(context.Background(), done)
	if err != nil {
		t.Fatal(err)
	}
	want := "# Session: rec_1.wav\n\n" +
		"## Résumé\n" +
		"- Titre: Alice présente le budget du projet\n" +
		"- Contexte: Alice présente le budget du projet. Bob valide le calendrier.\n" +
		"- Points clés:\n" +
		"  - Alice présente le budget du projet\n" +
		"  - Bob valide le calendrier\n\n" +
		"## Transcript\nBonjour à tous\n\n" +
		"## Segments\n- [0–1500] Salut à tous\n"
	if md != want {
		t.Fatalf("markdown mismatch:\n%s", md)
	}

	md, err = e.Markdown(context.Background(), pending)
	if err != nil {
		t.Fatal(err)
	}
	if md != "# Session: rec_2.wav\n\n## Transcript\n(vide)\n\n## Segments\n" {
		t.Fatalf("untranscribed markdown:\n%q", md)
	}
}

func TestSessionJSON(t *testing.T) {
	st, done, pending := seed(t)
	dir := t.TempDir()
	e := New(st, dir, nil, "", newLogger())

	path, err := e.WriteJSON(context.Background(), done)
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "rec_1.json") {
		t.Fatalf("path = %s", path)
	}
	s, _ := e.Session(context.Background(), done)
	if s.File != "/data/audio/rec_1.wav" || s.CreatedAt != 123456789 || s.DurationMs != 60000 || s.Transcript != "Bonjour à tous" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s.STT == nil || s.STT.Engine != "premium" || len(s.Segments) != 1 {
		t.Fatalf("unexpected session %+v", s)
	}
	var sum map[string]any
	if err := json.Unmarshal(s.Summary, &sum); err != nil || sum["title"] == nil {
		t.Fatalf("summary = %s", s.Summary)
	}

	empty, _ := e.Session(context.Background(), pending)
	if string(empty.Summary) != "{}" || empty.Transcript != "" || empty.Segments == nil {
		t.Fatalf("empty session %+v", empty)
	}
}

func TestEncryptedMarkdownZip(t *testing.T) {
	st, _, _ := seed(t)
	dir := t.TempDir()
	cipher := vault.NewCipher(vault.NewMemoryKeyStore())
	e := New(st, dir, cipher, "offlinehqasr_export_aes", newLogger())
	e.clock = func() time.Time { return time.UnixMilli(42) }

	path, err := e.WriteMarkdownZip(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "export_markdown_42.zip" {
		t.Fatalf("path = %s", path)
	}
	plain, err := cipher.DecryptFile(context.Background(), path)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	zr, err := zip.NewReader(strings.NewReader(string(plain)), int64(len(plain)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "rec_2.md,rec_1.md" {
		t.Fatalf("entries = %v", names)
	}
}

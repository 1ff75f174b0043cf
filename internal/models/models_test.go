package models

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolvePremiumModelPreference(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a-tiny.bin"))
	touch(t, filepath.Join(dir, "ggml-medium-q5_0.gguf"))
	got, err := ResolvePremiumModel(dir)
	if err != nil || filepath.Base(got) != "ggml-medium-q5_0.gguf" {
		t.Fatalf("got %s %v", got, err)
	}
	touch(t, filepath.Join(dir, "nested", "ggml-large-v3-q5_0.gguf"))
	got, _ = ResolvePremiumModel(dir)
	if filepath.Base(got) != "ggml-large-v3-q5_0.gguf" {
		t.Fatalf("large-v3 should win, got %s", got)
	}
	if _, err := ResolvePremiumModel(filepath.Join(dir, "missing")); !errors.Is(err, failure.ErrModelUnavailable) {
		t.Fatalf("expected model unavailable, got %v", err)
	}
}

func TestResolveBaselineModelDir(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "vosk-model-fr", "conf", "model.conf"))
	got, err := ResolveBaselineModelDir(dir)
	if err != nil || got != filepath.Join(dir, "vosk-model-fr") {
		t.Fatalf("got %s %v", got, err)
	}
	if _, err := ResolveBaselineModelDir(t.TempDir()); !errors.Is(err, failure.ErrModelUnavailable) {
		t.Fatalf("empty dir should be unavailable, got %v", err)
	}
}

func writeZip(t *testing.T, path string, names ...string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("data"))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestImportArchive(t *testing.T) {
	tmp := t.TempDir()
	dirs := Dirs{Baseline: filepath.Join(tmp, "models", "vosk"), Premium: filepath.Join(tmp, "models", "whisper")}
	archive := filepath.Join(tmp, "model.zip")
	writeZip(t, archive, "vosk-model/conf/model.conf", "vosk-model/am/final.mdl")

	got, err := Import(archive, dirs)
	if err != nil || got != dirs.Baseline {
		t.Fatalf("import: %s %v", got, err)
	}
	if dir, err := ResolveBaselineModelDir(dirs.Baseline); err != nil || filepath.Base(dir) != "vosk-model" {
		t.Fatalf("imported model not resolvable: %s %v", dir, err)
	}
}

func TestImportRejectsEscapingEntries(t *testing.T) {
	tmp := t.TempDir()
	dirs := Dirs{Baseline: filepath.Join(tmp, "models", "vosk")}
	archive := filepath.Join(tmp, "evil.zip")
	writeZip(t, archive, "ok/conf", "../../outside.txt")

	_, err := Import(archive, dirs)
	if !errors.Is(err, failure.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "outside.txt")); !os.IsNotExist(err) {
		t.Fatal("escaping entry was written")
	}
}

func TestImportPremiumFile(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "ggml-large-v3-q5_0.gguf")
	touch(t, src)
	dirs := Dirs{Premium: filepath.Join(tmp, "whisper")}
	got, err := Import(src, dirs)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if resolved, _ := ResolvePremiumModel(dirs.Premium); resolved != got {
		t.Fatalf("resolved %s, installed %s", resolved, got)
	}
}

// Package models locates and imports speech model files on disk.
package models

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

// Dirs are the model roots of the two transcription engines.
type Dirs struct {
	Baseline string
	Premium  string
}

// Preferred premium model families, best first.
var preferred = []struct{ family, quant string }{
	{"large-v3", "q5_0"},
	{"medium", "q5_0"},
}

// ResolvePremiumModel returns the best whisper model file under dir: a
// quantized large-v3, then a quantized medium, then any .gguf or .bin file.
func ResolvePremiumModel(dir string) (string, error) {
	var candidates []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".gguf", ".bin":
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, p := range preferred {
		for _, c := range candidates {
			name := strings.ToLower(filepath.Base(c))
			if strings.HasSuffix(name, ".gguf") && strings.Contains(name, p.family) && strings.Contains(name, p.quant) {
				return c, nil
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0], nil
	}
	return "", failure.New(failure.ModelUnavailable, "resolve premium model", fmt.Errorf("no model file under %s", dir))
}

// ResolveBaselineModelDir returns the directory holding the baseline model
// configuration (a conf/ directory or a model.conf file). It descends into
// the only child, or the first child that holds one, when the archive
// wrapped the model in a folder.
func ResolveBaselineModelDir(dir string) (string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", failure.New(failure.ModelUnavailable, "resolve baseline model", fmt.Errorf("model directory %s is missing", dir))
	}
	if holdsBaselineModel(dir) {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dir, err)
	}
	var children []string
	for _, e := range entries {
		if e.IsDir() {
			children = append(children, filepath.Join(dir, e.Name()))
		}
	}
	for _, child := range children {
		if holdsBaselineModel(child) {
			return child, nil
		}
	}
	if len(children) == 1 {
		return ResolveBaselineModelDir(children[0])
	}
	return "", failure.New(failure.ModelUnavailable, "resolve baseline model", fmt.Errorf("no model configuration under %s", dir))
}

func holdsBaselineModel(dir string) bool {
	for _, name := range []string{"conf", "model.conf"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Import installs a model from src. A .zip archive is extracted into the
// baseline root; any other file is copied into the premium root. It returns
// the installed path. Archive entries that would land outside the baseline
// root abort the import with failure.PermissionDenied.
func Import(src string, dirs Dirs) (string, error) {
	if strings.EqualFold(filepath.Ext(src), ".zip") {
		if err := extract(src, dirs.Baseline); err != nil {
			return "", err
		}
		return dirs.Baseline, nil
	}
	if err := os.MkdirAll(dirs.Premium, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	dst := filepath.Join(dirs.Premium, filepath.Base(src))
	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func extract(src, root string) error {
	zr, err := zip.OpenReader(src)
	if errors.Is(err, zip.ErrInsecurePath) {
		zr.Close()
		return failure.New(failure.PermissionDenied, "import model", err)
	}
	if err != nil {
		return failure.New(failure.MalformedInput, "import model", err)
	}
	defer zr.Close()

	root, err = filepath.Abs(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	for _, f := range zr.File {
		target, err := entryPath(root, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func entryPath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(name) {
		return "", failure.New(failure.PermissionDenied, "import model", fmt.Errorf("archive entry %q escapes the model directory", name))
	}
	return target, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return failure.New(failure.MalformedInput, "import model", err)
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return out.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create model: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy model: %w", err)
	}
	return out.Close()
}

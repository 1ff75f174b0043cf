package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/failure"
)

// DecryptToTemp writes a plaintext copy of an encrypted recording into dir:
// the container header is copied verbatim and only the payload is decrypted.
// Without a sidecar the source path is returned unchanged and cleanup is a
// no-op.
func (c *Cipher) DecryptToTemp(ctx context.Context, path, dir string) (string, func(), error) {
	noop := func() {}
	var sidecars MetadataStore
	meta, ok, err := sidecars.Read(path)
	if err != nil {
		return "", noop, err
	}
	if !ok {
		return path, noop, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", noop, fmt.Errorf("open recording: %w", err)
	}
	defer src.Close()

	if dir == "" {
		dir = os.TempDir()
	}
	tmp, err := os.CreateTemp(dir, "dec_*.wav")
	if err != nil {
		return "", noop, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if err := c.decryptContainer(ctx, meta, src, tmp); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), cleanup, nil
}

func (c *Cipher) decryptContainer(ctx context.Context, meta EncryptionMetadata, src io.Reader, dst io.Writer) error {
	if _, err := io.CopyN(dst, src, container.HeaderSize); err != nil {
		if errors.Is(err, io.EOF) {
			return failure.New(failure.MalformedInput, "decrypt recording", errors.New("file shorter than container header"))
		}
		return fmt.Errorf("copy header: %w", err)
	}
	plain, err := c.BeginDecryption(ctx, meta, src)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, plain); err != nil {
		return fmt.Errorf("decrypt payload: %w", err)
	}
	return nil
}

// EncryptFile seals the file at path in place under alias. The sidecar is
// written first so the file is never ciphertext without its metadata; it is
// cleared again when the payload cannot be replaced.
func (c *Cipher) EncryptFile(ctx context.Context, alias, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	sealed, meta, err := c.Seal(ctx, alias, data, nil)
	if err != nil {
		return err
	}
	var sidecars MetadataStore
	if err := sidecars.Persist(path, meta); err != nil {
		return err
	}
	if err := writeFileAtomic(path, sealed, 0o600); err != nil {
		if cerr := sidecars.Clear(path); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	return nil
}

// DecryptFile returns the plaintext of a file sealed by EncryptFile.
func (c *Cipher) DecryptFile(ctx context.Context, path string) ([]byte, error) {
	var sidecars MetadataStore
	meta, ok, err := sidecars.Read(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, failure.New(failure.InvalidState, "decrypt file", fmt.Errorf("%s has no encryption metadata", filepath.Base(path)))
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return c.Open(ctx, meta, sealed)
}

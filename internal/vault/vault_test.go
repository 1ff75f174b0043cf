package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-memo/internal/container"
	"github.com/loqalabs/loqa-memo/internal/failure"
)

const testAlias = "offlinehqasr_audio_aes"

var fastKDF = KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

func encrypt(t *testing.T, c *Cipher, plain, aad []byte) ([]byte, EncryptionMetadata) {
	t.Helper()
	var sink bytes.Buffer
	w, meta, err := c.BeginEncryption(context.Background(), testAlias, &sink, aad)
	if err != nil {
		t.Fatalf("begin encryption: %v", err)
	}
	// uneven writes exercise chunk buffering
	for rest := plain; len(rest) > 0; {
		n := min(len(rest), 10007)
		if _, err := w.Write(rest[:n]); err != nil {
			t.Fatalf("write: %v", err)
		}
		rest = rest[n:]
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return sink.Bytes(), meta
}

func decrypt(c *Cipher, meta EncryptionMetadata, ct []byte) ([]byte, error) {
	r, err := c.BeginDecryption(context.Background(), meta, bytes.NewReader(ct))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func TestRoundTripSizes(t *testing.T) {
	c := NewCipher(NewMemoryKeyStore())
	for _, n := range []int{0, 1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17} {
		plain := payload(n)
		ct, meta := encrypt(t, c, plain, []byte("rec_1.wav"))
		chunks := max(1, (n+ChunkSize-1)/ChunkSize)
		if len(ct) != n+chunks*tagSize {
			t.Fatalf("n=%d: ciphertext length %d, want %d", n, len(ct), n+chunks*tagSize)
		}
		got, err := decrypt(c, meta, ct)
		if err != nil {
			t.Fatalf("n=%d: decrypt: %v", n, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("n=%d: plaintext mismatch", n)
		}
	}
}

func TestMetadataDescribesStream(t *testing.T) {
	c := NewCipher(NewMemoryKeyStore())
	_, meta := encrypt(t, c, payload(10), []byte("aad"))
	if meta.Version != FormatVersion || meta.Alias != testAlias || meta.TagBits != 128 || len(meta.IV) != 12 {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	_, other := encrypt(t, c, payload(10), nil)
	if bytes.Equal(meta.IV, other.IV) {
		t.Fatal("expected a fresh iv per stream")
	}
}

func TestTamperIsDetected(t *testing.T) {
	c := NewCipher(NewMemoryKeyStore())
	plain := payload(2*ChunkSize + 100)
	ct, meta := encrypt(t, c, plain, nil)

	for _, idx := range []int{0, ChunkSize + 5, len(ct) - 1} {
		bad := bytes.Clone(ct)
		bad[idx] ^= 0x01
		if _, err := decrypt(c, meta, bad); !errors.Is(err, failure.ErrAuthenticationFailure) {
			t.Fatalf("flip at %d: expected authentication failure, got %v", idx, err)
		}
	}

	// dropping the final chunk leaves a non-final chunk at the end
	if _, err := decrypt(c, meta, ct[:2*(ChunkSize+tagSize)]); !errors.Is(err, failure.ErrAuthenticationFailure) {
		t.Fatalf("truncation: expected authentication failure, got %v", err)
	}
	if _, err := decrypt(c, meta, nil); !errors.Is(err, failure.ErrAuthenticationFailure) {
		t.Fatalf("empty: expected authentication failure, got %v", err)
	}

	wrongAAD := meta
	wrongAAD.AAD = []byte("other")
	if _, err := decrypt(c, wrongAAD, ct); !errors.Is(err, failure.ErrAuthenticationFailure) {
		t.Fatalf("aad mismatch: expected authentication failure, got %v", err)
	}
}

func TestBeginDecryptionRejectsBadMetadata(t *testing.T) {
	c := NewCipher(NewMemoryKeyStore())
	_, meta := encrypt(t, c, payload(4), nil)

	short := meta
	short.IV = meta.IV[:8]
	if _, err := c.BeginDecryption(context.Background(), short, bytes.NewReader(nil)); failure.KindOf(err) != failure.MalformedInput {
		t.Fatalf("expected malformed input, got %v", err)
	}
	tag := meta
	tag.TagBits = 96
	if _, err := c.BeginDecryption(context.Background(), tag, bytes.NewReader(nil)); failure.KindOf(err) != failure.UnsupportedOperation {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
}

func TestMetadataStore(t *testing.T) {
	var store MetadataStore
	path := filepath.Join(t.TempDir(), "rec_1.wav")

	if _, ok, err := store.Read(path); ok || err != nil {
		t.Fatalf("missing sidecar should read as absent, ok=%v err=%v", ok, err)
	}
	meta := EncryptionMetadata{Version: 1, Alias: testAlias, IV: payload(12), TagBits: 128, AAD: []byte("x")}
	if err := store.Persist(path, meta); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, ok, err := store.Read(path)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if got.Alias != meta.Alias || !bytes.Equal(got.IV, meta.IV) || !bytes.Equal(got.AAD, meta.AAD) || got.TagBits != 128 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	raw, err := os.ReadFile(path + ".meta")
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if !bytes.Contains(raw, []byte(`"tagBits":128`)) || !bytes.Contains(raw, []byte(`"alias":"offlinehqasr_audio_aes"`)) {
		t.Fatalf("unexpected sidecar layout: %s", raw)
	}

	if err := store.Clear(path); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := store.Clear(path); err != nil {
		t.Fatalf("second clear: %v", err)
	}

	if err := os.WriteFile(path+".meta", []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := store.Read(path); ok || failure.KindOf(err) != failure.MalformedInput {
		t.Fatalf("corrupt sidecar must be an error, ok=%v err=%v", ok, err)
	}
}

func TestFileKeyStorePersistsKeys(t *testing.T) {
	dir := t.TempDir()
	opts := FileKeyStoreOptions{Passphrase: "correct horse", KDF: fastKDF}
	ks, err := NewFileKeyStore(dir, opts)
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	plain := payload(1000)
	ct, meta := encrypt(t, NewCipher(ks), plain, nil)

	reopened, err := NewFileKeyStore(dir, opts)
	if err != nil {
		t.Fatalf("reopen keystore: %v", err)
	}
	got, err := decrypt(NewCipher(reopened), meta, ct)
	if err != nil || !bytes.Equal(got, plain) {
		t.Fatalf("decrypt with reopened store: %v", err)
	}

	wrong, err := NewFileKeyStore(dir, FileKeyStoreOptions{Passphrase: "wrong", KDF: fastKDF})
	if err != nil {
		t.Fatalf("open with wrong passphrase: %v", err)
	}
	if _, err := wrong.Key(context.Background(), testAlias); !errors.Is(err, failure.ErrAuthenticationFailure) {
		t.Fatalf("expected unwrap failure, got %v", err)
	}
}

func TestFileKeyStoreWithoutPassphrase(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFileKeyStore(dir, FileKeyStoreOptions{})
	if err != nil {
		t.Fatalf("open keystore: %v", err)
	}
	first, err := ks.Key(context.Background(), testAlias)
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	again, err := ks.Key(context.Background(), testAlias)
	if err != nil || again != first {
		t.Fatalf("expected cached handle, err=%v", err)
	}
	info, err := os.Stat(filepath.Join(dir, localKEKFile))
	if err != nil {
		t.Fatalf("stat kek: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("kek mode %v", info.Mode().Perm())
	}
	if _, err := ks.Key(context.Background(), "../escape"); failure.KindOf(err) != failure.MalformedInput {
		t.Fatalf("expected alias rejection, got %v", err)
	}
}

func TestDecryptToTemp(t *testing.T) {
	dir := t.TempDir()
	c := NewCipher(NewMemoryKeyStore())
	format := container.Format{Channels: 1, SampleRate: 48000, BitsPerSample: 16}
	pcm := payload(5000)

	path := filepath.Join(dir, "rec_1.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := container.WriteHeader(f, format, uint64(len(pcm))); err != nil {
		t.Fatal(err)
	}
	w, meta, err := c.BeginEncryption(context.Background(), testAlias, f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(pcm); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	// without a sidecar the file is never decrypted
	same, cleanup, err := c.DecryptToTemp(context.Background(), path, dir)
	if err != nil || same != path {
		t.Fatalf("expected source path back, got %q %v", same, err)
	}
	cleanup()

	var store MetadataStore
	if err := store.Persist(path, meta); err != nil {
		t.Fatal(err)
	}
	out, cleanup, err := c.DecryptToTemp(context.Background(), path, dir)
	if err != nil {
		t.Fatalf("decrypt to temp: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if !bytes.Equal(data[:container.HeaderSize], raw[:container.HeaderSize]) {
		t.Fatal("header must be copied verbatim")
	}
	if !bytes.Equal(data[container.HeaderSize:], pcm) {
		t.Fatal("payload mismatch")
	}
	cleanup()
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("cleanup left %s behind", out)
	}
}

func TestEncryptFile(t *testing.T) {
	dir := t.TempDir()
	c := NewCipher(NewMemoryKeyStore())
	path := filepath.Join(dir, "export.zip")
	if err := os.WriteFile(path, []byte("zip bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.EncryptFile(context.Background(), "offlinehqasr_export_aes", path); err != nil {
		t.Fatalf("encrypt file: %v", err)
	}
	var store MetadataStore
	meta, ok, err := store.Read(path)
	if err != nil || !ok {
		t.Fatalf("sidecar missing: %v", err)
	}
	sealed, _ := os.ReadFile(path)
	plain, err := c.Open(context.Background(), meta, sealed)
	if err != nil || string(plain) != "zip bytes" {
		t.Fatalf("open: %q %v", plain, err)
	}
	plain, err = c.DecryptFile(context.Background(), path)
	if err != nil || string(plain) != "zip bytes" {
		t.Fatalf("decrypt file: %q %v", plain, err)
	}
	other := filepath.Join(dir, "plain.txt")
	os.WriteFile(other, []byte("x"), 0o644)
	if _, err := c.DecryptFile(context.Background(), other); !errors.Is(err, failure.ErrInvalidState) {
		t.Fatalf("file without sidecar should be invalid state, got %v", err)
	}
}

func TestEncryptFileLeavesPlaintextWhenSidecarFails(t *testing.T) {
	dir := t.TempDir()
	c := NewCipher(NewMemoryKeyStore())
	path := filepath.Join(dir, "export.zip")
	if err := os.WriteFile(path, []byte("zip bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	// a non-empty directory where the sidecar belongs cannot be replaced
	var store MetadataStore
	blocker := store.Path(path)
	if err := os.MkdirAll(filepath.Join(blocker, "keep"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := c.EncryptFile(context.Background(), "offlinehqasr_export_aes", path); err == nil {
		t.Fatal("expected encrypt to fail")
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "zip bytes" {
		t.Fatalf("payload changed without its sidecar: %q %v", got, err)
	}
	if info, err := os.Stat(blocker); err != nil || !info.IsDir() {
		t.Fatalf("sidecar path disturbed: %v", err)
	}
}

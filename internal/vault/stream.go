package vault

import (
	"bufio"
	"bytes"
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

const (
	// FormatVersion identifies the chunked GCM framing below.
	FormatVersion = 1
	// IVSize is the 96-bit GCM nonce length.
	IVSize = 12
	// TagBits is the GCM authentication tag length.
	TagBits = 128
	// ChunkSize is the plaintext size of every chunk but the last.
	ChunkSize = 64 * 1024

	tagSize = TagBits / 8
)

// Payloads are sealed in ChunkSize pieces. Chunk i uses the session IV with i
// XORed into its last 8 bytes, and its additional data is the caller's AAD
// followed by one byte that is 1 only for the final chunk. Reordered, dropped
// or truncated chunks therefore fail authentication.

// Cipher encrypts and decrypts payload streams with keys from a KeyProvider.
type Cipher struct {
	keys KeyProvider
	rand io.Reader
}

func NewCipher(keys KeyProvider) *Cipher {
	return &Cipher{keys: keys, rand: rand.Reader}
}

// BeginEncryption returns a writer sealing everything written to it into
// sink, and the metadata needed to decrypt it later. Close seals the final
// chunk; it does not close sink.
func (c *Cipher) BeginEncryption(ctx context.Context, alias string, sink io.Writer, aad []byte) (io.WriteCloser, EncryptionMetadata, error) {
	aead, err := c.aead(ctx, alias)
	if err != nil {
		return nil, EncryptionMetadata{}, err
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, EncryptionMetadata{}, fmt.Errorf("generate iv: %w", err)
	}
	meta := EncryptionMetadata{
		Version: FormatVersion,
		Alias:   alias,
		IV:      iv,
		TagBits: TagBits,
		AAD:     bytes.Clone(aad),
	}
	w := &encryptWriter{
		aead:  aead,
		sink:  sink,
		iv:    iv,
		aad:   chunkAAD(aad),
		buf:   make([]byte, 0, ChunkSize),
		nonce: make([]byte, IVSize),
	}
	return w, meta, nil
}

// BeginDecryption returns a reader yielding the plaintext of source. A
// tampered or truncated payload surfaces as an AuthenticationFailure.
func (c *Cipher) BeginDecryption(ctx context.Context, meta EncryptionMetadata, source io.Reader) (io.Reader, error) {
	if err := meta.check(); err != nil {
		return nil, err
	}
	aead, err := c.aead(ctx, meta.Alias)
	if err != nil {
		return nil, err
	}
	return &decryptReader{
		aead:  aead,
		src:   bufio.NewReaderSize(source, ChunkSize+tagSize),
		iv:    meta.IV,
		aad:   chunkAAD(meta.AAD),
		chunk: make([]byte, ChunkSize+tagSize),
		nonce: make([]byte, IVSize),
	}, nil
}

// Seal encrypts a small in-memory payload.
func (c *Cipher) Seal(ctx context.Context, alias string, plaintext, aad []byte) ([]byte, EncryptionMetadata, error) {
	var out bytes.Buffer
	w, meta, err := c.BeginEncryption(ctx, alias, &out, aad)
	if err != nil {
		return nil, EncryptionMetadata{}, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, EncryptionMetadata{}, err
	}
	if err := w.Close(); err != nil {
		return nil, EncryptionMetadata{}, err
	}
	return out.Bytes(), meta, nil
}

// Open decrypts a payload produced by Seal.
func (c *Cipher) Open(ctx context.Context, meta EncryptionMetadata, ciphertext []byte) ([]byte, error) {
	r, err := c.BeginDecryption(ctx, meta, bytes.NewReader(ciphertext))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func (c *Cipher) aead(ctx context.Context, alias string) (cipher.AEAD, error) {
	h, err := c.keys.Key(ctx, alias)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", alias, err)
	}
	aead, err := h.AEAD()
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", alias, err)
	}
	if aead.NonceSize() != IVSize || aead.Overhead() != tagSize {
		return nil, failure.New(failure.UnsupportedOperation, "key "+alias, errors.New("key handle is not AES-GCM with 96-bit nonce"))
	}
	return aead, nil
}

// chunkAAD returns the caller's AAD with room for the final flag byte.
func chunkAAD(aad []byte) []byte {
	out := make([]byte, len(aad)+1)
	copy(out, aad)
	return out
}

func chunkNonce(dst, iv []byte, index uint64) {
	copy(dst, iv)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	for i := range ctr {
		dst[4+i] ^= ctr[i]
	}
}

type encryptWriter struct {
	aead   cipher.AEAD
	sink   io.Writer
	iv     []byte
	aad    []byte
	buf    []byte
	nonce  []byte
	index  uint64
	sealed []byte
	closed bool
	err    error
}

func (w *encryptWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed cipher stream")
	}
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		// a full buffer is only sealed once more data proves it is not the last chunk
		if len(w.buf) == ChunkSize {
			if err := w.seal(false); err != nil {
				return written, err
			}
		}
		n := copy(w.buf[len(w.buf):ChunkSize], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
	}
	return written, nil
}

func (w *encryptWriter) seal(final bool) error {
	chunkNonce(w.nonce, w.iv, w.index)
	w.aad[len(w.aad)-1] = 0
	if final {
		w.aad[len(w.aad)-1] = 1
	}
	w.sealed = w.aead.Seal(w.sealed[:0], w.nonce, w.buf, w.aad)
	if _, err := w.sink.Write(w.sealed); err != nil {
		w.err = fmt.Errorf("write ciphertext: %w", err)
		return w.err
	}
	w.index++
	w.buf = w.buf[:0]
	return nil
}

func (w *encryptWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.seal(true)
}

type decryptReader struct {
	aead  cipher.AEAD
	src   *bufio.Reader
	iv    []byte
	aad   []byte
	chunk []byte
	nonce []byte
	index uint64
	plain []byte
	done  bool
	err   error
}

func (r *decryptReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.next()
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *decryptReader) next() error {
	n, err := io.ReadFull(r.src, r.chunk)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
	default:
		return fmt.Errorf("read ciphertext: %w", err)
	}
	final := n < len(r.chunk)
	if !final {
		if _, perr := r.src.Peek(1); perr != nil {
			if !errors.Is(perr, io.EOF) {
				return fmt.Errorf("read ciphertext: %w", perr)
			}
			final = true
		}
	}
	if n < tagSize {
		return failure.New(failure.AuthenticationFailure, "decrypt", errors.New("ciphertext truncated"))
	}

	chunkNonce(r.nonce, r.iv, r.index)
	r.aad[len(r.aad)-1] = 0
	if final {
		r.aad[len(r.aad)-1] = 1
	}
	plain, err := r.aead.Open(r.chunk[:0], r.nonce, r.chunk[:n], r.aad)
	if err != nil {
		return failure.New(failure.AuthenticationFailure, "decrypt", err)
	}
	r.index++
	r.plain = plain
	r.done = final
	return nil
}

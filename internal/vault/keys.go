// Package vault provides authenticated streaming encryption for recordings
// and the key storage behind it. Callers only ever see opaque key handles.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/argon2"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// KeyHandle is an opaque reference to a stored symmetric key.
type KeyHandle interface {
	Alias() string
	AEAD() (cipher.AEAD, error)
}

// KeyProvider returns the key for an alias, creating it on first use.
type KeyProvider interface {
	Key(ctx context.Context, alias string) (KeyHandle, error)
}

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func checkAlias(alias string) error {
	if !aliasPattern.MatchString(alias) {
		return failure.New(failure.MalformedInput, "key alias", fmt.Errorf("invalid alias %q", alias))
	}
	return nil
}

type keyHandle struct {
	alias string
	aead  cipher.AEAD
}

func newKeyHandle(alias string, key []byte) (*keyHandle, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init key %s: %w", alias, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init key %s: %w", alias, err)
	}
	return &keyHandle{alias: alias, aead: aead}, nil
}

func (h *keyHandle) Alias() string              { return h.alias }
func (h *keyHandle) AEAD() (cipher.AEAD, error) { return h.aead, nil }

// MemoryKeyStore keeps keys in process memory.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]*keyHandle
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*keyHandle)}
}

func (s *MemoryKeyStore) Key(_ context.Context, alias string) (KeyHandle, error) {
	if err := checkAlias(alias); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.keys[alias]; ok {
		return h, nil
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	h, err := newKeyHandle(alias, key)
	if err != nil {
		return nil, err
	}
	s.keys[alias] = h
	return h, nil
}

// KDFParams tunes the argon2id derivation of the key-encryption key.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follows the argon2id recommendation for interactive use.
var DefaultKDFParams = KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

const (
	saltFile      = "keystore.salt"
	localKEKFile  = "keystore.kek"
	wrappedSuffix = ".key"
)

type wrappedKey struct {
	Version int    `json:"version"`
	Alias   string `json:"alias"`
	Nonce   string `json:"nonce"`
	Key     string `json:"key"`
}

// FileKeyStore persists one random key per alias, wrapped with AES-GCM under
// a key-encryption key. The KEK is derived from a passphrase with argon2id,
// or read from a local 0600 file when no passphrase is configured.
type FileKeyStore struct {
	dir   string
	kek   cipher.AEAD
	mu    sync.Mutex
	cache *lru.Cache[string, KeyHandle]
}

// FileKeyStoreOptions configures NewFileKeyStore.
type FileKeyStoreOptions struct {
	Passphrase string
	CacheSize  int
	KDF        KDFParams
}

func NewFileKeyStore(dir string, opts FileKeyStoreOptions) (*FileKeyStore, error) {
	if dir == "" {
		return nil, errors.New("keystore directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 8
	}
	if opts.KDF == (KDFParams{}) {
		opts.KDF = DefaultKDFParams
	}

	var kek []byte
	var err error
	if opts.Passphrase != "" {
		kek, err = deriveKEK(dir, opts.Passphrase, opts.KDF)
	} else {
		kek, err = loadOrCreateSecret(filepath.Join(dir, localKEKFile), KeySize)
	}
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("init kek: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init kek: %w", err)
	}
	cache, err := lru.New[string, KeyHandle](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &FileKeyStore{dir: dir, kek: aead, cache: cache}, nil
}

func deriveKEK(dir, passphrase string, params KDFParams) ([]byte, error) {
	salt, err := loadOrCreateSecret(filepath.Join(dir, saltFile), 16)
	if err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Threads, KeySize), nil
}

func loadOrCreateSecret(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != size {
			return nil, failure.New(failure.MalformedInput, "read "+filepath.Base(path), fmt.Errorf("expected %d bytes, got %d", size, len(data)))
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	data = make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("generate %s: %w", filepath.Base(path), err)
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileKeyStore) Key(_ context.Context, alias string) (KeyHandle, error) {
	if err := checkAlias(alias); err != nil {
		return nil, err
	}
	if h, ok := s.cache.Get(alias); ok {
		return h, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.cache.Get(alias); ok {
		return h, nil
	}

	path := filepath.Join(s.dir, alias+wrappedSuffix)
	key, err := s.unwrap(path, alias)
	if errors.Is(err, os.ErrNotExist) {
		key, err = s.create(path, alias)
	}
	if err != nil {
		return nil, err
	}
	h, err := newKeyHandle(alias, key)
	if err != nil {
		return nil, err
	}
	s.cache.Add(alias, h)
	return h, nil
}

func (s *FileKeyStore) unwrap(path, alias string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wk wrappedKey
	if err := json.Unmarshal(data, &wk); err != nil {
		return nil, failure.New(failure.MalformedInput, "read key "+alias, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wk.Nonce)
	if err != nil || len(nonce) != s.kek.NonceSize() {
		return nil, failure.New(failure.MalformedInput, "read key "+alias, errors.New("bad nonce"))
	}
	sealed, err := base64.StdEncoding.DecodeString(wk.Key)
	if err != nil {
		return nil, failure.New(failure.MalformedInput, "read key "+alias, err)
	}
	key, err := s.kek.Open(nil, nonce, sealed, []byte(alias))
	if err != nil {
		return nil, failure.New(failure.AuthenticationFailure, "unwrap key "+alias, err)
	}
	return key, nil
}

func (s *FileKeyStore) create(path, alias string) ([]byte, error) {
	key := make([]byte, KeySize)
	nonce := make([]byte, s.kek.NonceSize())
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	wk := wrappedKey{
		Version: 1,
		Alias:   alias,
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Key:     base64.StdEncoding.EncodeToString(s.kek.Seal(nil, nonce, key, []byte(alias))),
	}
	data, err := json.Marshal(wk)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// writeFileAtomic writes through a temp file in the same directory and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("chmod %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

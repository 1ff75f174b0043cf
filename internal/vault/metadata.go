package vault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

// SidecarSuffix is appended to a payload path to find its metadata.
const SidecarSuffix = ".meta"

// EncryptionMetadata holds the non-secret parameters needed to decrypt one
// payload.
type EncryptionMetadata struct {
	Version int
	Alias   string
	IV      []byte
	TagBits int
	AAD     []byte
}

func (m EncryptionMetadata) check() error {
	switch {
	case m.Version != FormatVersion:
		return failure.New(failure.UnsupportedOperation, "decrypt", fmt.Errorf("metadata version %d", m.Version))
	case strings.TrimSpace(m.Alias) == "":
		return failure.New(failure.MalformedInput, "decrypt", errors.New("metadata has no key alias"))
	case len(m.IV) != IVSize:
		return failure.New(failure.MalformedInput, "decrypt", fmt.Errorf("iv of %d bytes", len(m.IV)))
	case m.TagBits != TagBits:
		return failure.New(failure.UnsupportedOperation, "decrypt", fmt.Errorf("tag length %d bits", m.TagBits))
	}
	return nil
}

type sidecar struct {
	Version int    `json:"version"`
	Alias   string `json:"alias"`
	IV      string `json:"iv"`
	TagBits int    `json:"tagBits"`
	AAD     string `json:"aad,omitempty"`
}

func (m EncryptionMetadata) MarshalJSON() ([]byte, error) {
	sc := sidecar{
		Version: m.Version,
		Alias:   m.Alias,
		IV:      base64.StdEncoding.EncodeToString(m.IV),
		TagBits: m.TagBits,
	}
	if len(m.AAD) > 0 {
		sc.AAD = base64.StdEncoding.EncodeToString(m.AAD)
	}
	return json.Marshal(sc)
}

func (m *EncryptionMetadata) UnmarshalJSON(data []byte) error {
	sc := sidecar{Version: FormatVersion, TagBits: TagBits}
	if err := json.Unmarshal(data, &sc); err != nil {
		return err
	}
	iv, err := base64.StdEncoding.DecodeString(sc.IV)
	if err != nil {
		return fmt.Errorf("decode iv: %w", err)
	}
	var aad []byte
	if sc.AAD != "" {
		if aad, err = base64.StdEncoding.DecodeString(sc.AAD); err != nil {
			return fmt.Errorf("decode aad: %w", err)
		}
	}
	*m = EncryptionMetadata{Version: sc.Version, Alias: sc.Alias, IV: iv, TagBits: sc.TagBits, AAD: aad}
	return nil
}

// MetadataStore keeps EncryptionMetadata in a JSON sidecar next to the
// payload. The sidecar's presence is what marks a payload as encrypted.
type MetadataStore struct{}

func (MetadataStore) Path(payload string) string { return payload + SidecarSuffix }

// Persist writes the sidecar atomically.
func (s MetadataStore) Persist(payload string, meta EncryptionMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileAtomic(s.Path(payload), data, 0o600)
}

// Read loads the sidecar. ok is false when there is none; a sidecar that
// exists but cannot be parsed is an error, never a plaintext signal.
func (s MetadataStore) Read(payload string) (EncryptionMetadata, bool, error) {
	data, err := os.ReadFile(s.Path(payload))
	if errors.Is(err, os.ErrNotExist) {
		return EncryptionMetadata{}, false, nil
	}
	if err != nil {
		return EncryptionMetadata{}, false, fmt.Errorf("read metadata: %w", err)
	}
	var meta EncryptionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return EncryptionMetadata{}, false, failure.New(failure.MalformedInput, "read metadata", err)
	}
	if strings.TrimSpace(meta.Alias) == "" {
		return EncryptionMetadata{}, false, failure.New(failure.MalformedInput, "read metadata", errors.New("missing alias"))
	}
	return meta, true, nil
}

// Clear removes the sidecar if present.
func (s MetadataStore) Clear(payload string) error {
	if err := os.Remove(s.Path(payload)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear metadata: %w", err)
	}
	return nil
}

// Package container reads and writes the canonical 44-byte RIFF/WAVE header
// that wraps recorded (optionally encrypted) PCM payloads.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

// HeaderSize is the fixed size of the canonical PCM header.
const HeaderSize = 44

// MaxDataSize is the largest data-chunk size whose RIFF size (data+36) still fits in 32 bits.
const MaxDataSize = math.MaxUint32 - 36

// Format describes the PCM layout written into the header.
type Format struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// ByteRate is the number of payload bytes per second.
func (f Format) ByteRate() int { return f.SampleRate * f.Channels * f.BitsPerSample / 8 }

// BlockAlign is the size of one multi-channel sample frame in bytes.
func (f Format) BlockAlign() int { return f.Channels * f.BitsPerSample / 8 }

func (f Format) validate() error {
	if f.Channels <= 0 || f.Channels > math.MaxUint16 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", f.SampleRate)
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("invalid bit depth %d", f.BitsPerSample)
	}
	return nil
}

// header mirrors the on-disk layout; binary.Write emits it field by field.
type header struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// Header is a parsed canonical header.
type Header struct {
	Format   Format
	DataSize uint32
	RIFFSize uint32
}

// DurationMs derives the payload duration from the declared data size.
func (h Header) DurationMs() int64 {
	rate := h.Format.ByteRate()
	if rate <= 0 {
		return 0
	}
	return int64(h.DataSize) * 1000 / int64(rate)
}

func clampDataSize(dataLen uint64) uint32 {
	if dataLen > MaxDataSize {
		return MaxDataSize
	}
	return uint32(dataLen)
}

func encode(f Format, dataLen uint64) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	size := clampDataSize(dataLen)
	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     size + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: size,
	}
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteHeader writes a header declaring dataLen payload bytes.
func WriteHeader(w io.Writer, f Format, dataLen uint64) error {
	raw, err := encode(f, dataLen)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}

// PatchHeader seeks to the start of ws and rewrites the header with the true
// payload size, then restores the previous offset.
func PatchHeader(ws io.WriteSeeker, f Format, dataLen uint64) error {
	pos, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("locate write offset: %w", err)
	}
	if _, err := ws.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek header: %w", err)
	}
	if err := WriteHeader(ws, f, dataLen); err != nil {
		return err
	}
	if _, err := ws.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("restore write offset: %w", err)
	}
	return nil
}

// ReadHeader parses the canonical header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, failure.New(failure.MalformedInput, "read wav header", err)
		}
		return Header{}, failure.New(failure.TransientIO, "read wav header", err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" {
		return Header{}, failure.New(failure.MalformedInput, "read wav header", errors.New("not a RIFF/WAVE file"))
	}
	if string(h.Subchunk1ID[:]) != "fmt " || h.AudioFormat != 1 {
		return Header{}, failure.New(failure.MalformedInput, "read wav header", errors.New("unsupported wav format"))
	}
	if string(h.Subchunk2ID[:]) != "data" {
		return Header{}, failure.New(failure.MalformedInput, "read wav header", errors.New("non canonical header"))
	}
	return Header{
		Format: Format{
			Channels:      int(h.NumChannels),
			SampleRate:    int(h.SampleRate),
			BitsPerSample: int(h.BitsPerSample),
		},
		DataSize: h.Subchunk2Size,
		RIFFSize: h.ChunkSize,
	}, nil
}

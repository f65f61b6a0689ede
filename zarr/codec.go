package zarr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressorMeta identifies a numcodecs-compatible compressor in ".zarray".
type CompressorMeta struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// Compressor ids understood by this package.
const (
	CompressorZstd = "zstd"
	CompressorGzip = "gzip"
	CompressorNone = "none"
)

// NewCompressor returns the metadata for a compressor id and level.  The id "none"
// or "" returns nil, meaning raw chunks.
func NewCompressor(id string, level int) (*CompressorMeta, error) {
	switch id {
	case "", CompressorNone:
		return nil, nil
	case CompressorZstd, CompressorGzip:
		m := &CompressorMeta{ID: id, Level: level}
		_, err := newCodec(m)
		return m, err
	}
	return nil, fmt.Errorf("unsupported compressor %q", id)
}

// codec compresses whole chunks.
type codec interface {
	encode(raw []byte) ([]byte, error)
	decode(enc []byte) ([]byte, error)
}

func newCodec(m *CompressorMeta) (codec, error) {
	if m == nil {
		return rawCodec{}, nil
	}
	switch m.ID {
	case CompressorZstd:
		level := zstd.EncoderLevelFromZstd(m.Level)
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		return zstdCodec{enc, dec}, nil
	case CompressorGzip:
		if m.Level < gzip.HuffmanOnly || m.Level > gzip.BestCompression {
			return nil, fmt.Errorf("bad gzip level %d", m.Level)
		}
		return gzipCodec{m.Level}, nil
	}
	return nil, fmt.Errorf("unsupported compressor %q", m.ID)
}

type rawCodec struct{}

func (rawCodec) encode(raw []byte) ([]byte, error) { return raw, nil }
func (rawCodec) decode(enc []byte) ([]byte, error) { return enc, nil }

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (c zstdCodec) encode(raw []byte) ([]byte, error) {
	return c.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

func (c zstdCodec) decode(enc []byte) ([]byte, error) {
	return c.dec.DecodeAll(enc, nil)
}

type gzipCodec struct {
	level int
}

func (c gzipCodec) encode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCodec) decode(enc []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(enc))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

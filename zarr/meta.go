package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// MetaKey is the store key of the array metadata document.
const MetaKey = ".zarray"

// Meta is the zarr v2 array metadata kept in ".zarray".
type Meta struct {
	// ZarrFormat is the version of the storage specification, always 2.
	ZarrFormat int `json:"zarr_format"`

	// Shape is the length of each dimension of the array.
	Shape []int `json:"shape"`

	// Chunks is the length of each dimension of a chunk.  All chunks have the same
	// shape, including those that extend past the array edge.
	Chunks []int `json:"chunks"`

	Dtype Dtype `json:"dtype"`

	// Compressor is the primary codec or nil for raw chunks.
	Compressor *CompressorMeta `json:"compressor"`

	// FillValue is used for uninitialized portions of the array.  Nil means zero.
	FillValue *float64 `json:"fill_value"`

	// Order is "C" (row-major).
	Order string `json:"order"`

	Filters []interface{} `json:"filters"`

	DimensionSeparator string `json:"dimension_separator,omitempty"`
}

// NewMeta returns metadata for a C-ordered array with zero fill value.
func NewMeta(shape, chunks []int, t cellflow.DataType, compressor *CompressorMeta) (Meta, error) {
	dt, err := DtypeOf(t)
	if err != nil {
		return Meta{}, err
	}
	zero := 0.0
	m := Meta{
		ZarrFormat:         2,
		Shape:              append([]int{}, shape...),
		Chunks:             append([]int{}, chunks...),
		Dtype:              dt,
		Compressor:         compressor,
		FillValue:          &zero,
		Order:              "C",
		DimensionSeparator: ".",
	}
	return m, m.Validate()
}

// Validate checks the parts of the metadata this package relies on.
func (m Meta) Validate() error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("unsupported zarr format %d", m.ZarrFormat)
	}
	if len(m.Shape) == 0 {
		return fmt.Errorf("array shape must have at least one dimension")
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("shape %v and chunks %v differ in dimensionality", m.Shape, m.Chunks)
	}
	for i := range m.Shape {
		if m.Shape[i] < 0 {
			return fmt.Errorf("negative dimension in shape %v", m.Shape)
		}
		if m.Chunks[i] <= 0 {
			return fmt.Errorf("chunk dimensions must be positive, got %v", m.Chunks)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return fmt.Errorf("only C order arrays are supported, got %q", m.Order)
	}
	if len(m.Filters) > 0 {
		return fmt.Errorf("array filters are not supported")
	}
	if m.DimensionSeparator != "" && m.DimensionSeparator != "." && m.DimensionSeparator != "/" {
		return fmt.Errorf("bad dimension separator %q", m.DimensionSeparator)
	}
	if _, err := m.Dtype.DataType(); err != nil {
		return err
	}
	if _, err := newCodec(m.Compressor); err != nil {
		return err
	}
	return nil
}

// Separator returns the chunk key separator.
func (m Meta) Separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

// ChunkBytes returns the uncompressed size of one chunk.
func (m Meta) ChunkBytes() int {
	return cellflow.NumElements(m.Chunks) * m.Dtype.ByteSize
}

// fillElement returns the little-endian encoding of one fill value element.
func (m Meta) fillElement() ([]byte, error) {
	t, err := m.Dtype.DataType()
	if err != nil {
		return nil, err
	}
	b := make([]byte, cellflow.DataTypeBytes(t))
	if m.FillValue == nil || *m.FillValue == 0 {
		return b, nil
	}
	v := *m.FillValue
	switch t {
	case cellflow.T_uint8, cellflow.T_int8:
		b[0] = byte(int64(v))
	case cellflow.T_uint16, cellflow.T_int16:
		binary.LittleEndian.PutUint16(b, uint16(int64(v)))
	case cellflow.T_uint32, cellflow.T_int32:
		binary.LittleEndian.PutUint32(b, uint32(int64(v)))
	case cellflow.T_uint64, cellflow.T_int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case cellflow.T_float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case cellflow.T_float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	}
	return b, nil
}

func (m Meta) marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "    ")
}

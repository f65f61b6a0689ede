package cellflow

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Volume is a dense float32 array in C order.
type Volume struct {
	Shape []int
	Data  []float32
}

// NewVolume returns a zeroed volume of the given shape.
func NewVolume(shape ...int) *Volume {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Volume{Shape: s, Data: make([]float32, NumElements(s))}
}

// VolumeFromData wraps data with the given shape.
func VolumeFromData(shape []int, data []float32) (*Volume, error) {
	if NumElements(shape) != len(data) {
		return nil, fmt.Errorf("shape %s needs %d values, got %d", ShapeString(shape), NumElements(shape), len(data))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Volume{Shape: s, Data: data}, nil
}

// Strides returns the element stride of each axis.
func (v *Volume) Strides() []int {
	return stridesOf(v.Shape)
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	n := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = n
		n *= shape[i]
	}
	return strides
}

// Index returns the linear offset of a coordinate.
func (v *Volume) Index(coord ...int) int {
	idx := 0
	n := 1
	for i := len(v.Shape) - 1; i >= 0; i-- {
		idx += coord[i] * n
		n *= v.Shape[i]
	}
	return idx
}

// Channel returns the sub-volume at index c of the leading axis.  The returned
// volume shares data with the receiver.
func (v *Volume) Channel(c int) *Volume {
	shape := v.Shape[1:]
	n := NumElements(shape)
	return &Volume{Shape: append([]int{}, shape...), Data: v.Data[c*n : (c+1)*n]}
}

// Reshape returns a volume sharing data with the receiver but with a new shape.
func (v *Volume) Reshape(shape ...int) (*Volume, error) {
	return VolumeFromData(shape, v.Data)
}

// Transpose returns a new volume whose axis i is the receiver's axis perm[i].
func (v *Volume) Transpose(perm []int) (*Volume, error) {
	if len(perm) != len(v.Shape) {
		return nil, fmt.Errorf("permutation %v does not match %d-d volume", perm, len(v.Shape))
	}
	seen := make([]bool, len(perm))
	outShape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("bad permutation %v", perm)
		}
		seen[p] = true
		outShape[i] = v.Shape[p]
	}
	out := NewVolume(outShape...)
	inStrides := v.Strides()
	srcStrides := make([]int, len(perm))
	for i, p := range perm {
		srcStrides[i] = inStrides[p]
	}
	coord := make([]int, len(outShape))
	last := len(outShape) - 1
	src := 0
	for dst := range out.Data {
		out.Data[dst] = v.Data[src]
		// odometer increment of the output coordinate
		for d := last; d >= 0; d-- {
			coord[d]++
			src += srcStrides[d]
			if coord[d] < outShape[d] {
				break
			}
			src -= coord[d] * srcStrides[d]
			coord[d] = 0
		}
	}
	return out, nil
}

// Bytes returns the little-endian encoding of the volume data.
func (v *Volume) Bytes() []byte {
	buf := make([]byte, 4*len(v.Data))
	for i, f := range v.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// VolumeFromBytes decodes little-endian data of the given type into a float32 volume.
func VolumeFromBytes(shape []int, t DataType, data []byte) (*Volume, error) {
	n := NumElements(shape)
	size := DataTypeBytes(t)
	if size == 0 {
		return nil, fmt.Errorf("unknown data type %s", t)
	}
	if len(data) != n*int(size) {
		return nil, fmt.Errorf("shape %s of %s needs %d bytes, got %d", ShapeString(shape), t, n*int(size), len(data))
	}
	v := NewVolume(shape...)
	for i := 0; i < n; i++ {
		b := data[i*int(size):]
		switch t {
		case T_uint8:
			v.Data[i] = float32(b[0])
		case T_int8:
			v.Data[i] = float32(int8(b[0]))
		case T_uint16:
			v.Data[i] = float32(binary.LittleEndian.Uint16(b))
		case T_int16:
			v.Data[i] = float32(int16(binary.LittleEndian.Uint16(b)))
		case T_uint32:
			v.Data[i] = float32(binary.LittleEndian.Uint32(b))
		case T_int32:
			v.Data[i] = float32(int32(binary.LittleEndian.Uint32(b)))
		case T_uint64:
			v.Data[i] = float32(binary.LittleEndian.Uint64(b))
		case T_int64:
			v.Data[i] = float32(int64(binary.LittleEndian.Uint64(b)))
		case T_float32:
			v.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		case T_float64:
			v.Data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
	}
	return v, nil
}

// Mask is a dense uint8 array in C order, 1 where a cell is present.
type Mask struct {
	Shape []int
	Data  []uint8
}

// NewMask returns a zeroed mask of the given shape.
func NewMask(shape ...int) *Mask {
	s := make([]int, len(shape))
	copy(s, shape)
	return &Mask{Shape: s, Data: make([]uint8, NumElements(s))}
}

// Bytes returns the mask data, which is already its on-disk encoding.
func (m *Mask) Bytes() []byte {
	return m.Data
}

// Count returns the number of set voxels.
func (m *Mask) Count() int {
	var n int
	for _, b := range m.Data {
		if b != 0 {
			n++
		}
	}
	return n
}

// SubVolume returns a copy of the elements of v within region.
func (v *Volume) SubVolume(region Region) (*Volume, error) {
	if !region.Within(v.Shape) {
		return nil, fmt.Errorf("region %s outside volume of shape %s", region, ShapeString(v.Shape))
	}
	extent := region.Shape()
	out := NewVolume(extent...)
	ndim := len(extent)
	if ndim == 0 || len(out.Data) == 0 {
		return out, nil
	}
	strides := v.Strides()
	run := extent[ndim-1]
	start := make([]int, ndim)
	for d := range region {
		start[d] = region[d].Start
	}
	src := v.Index(start...)
	coord := make([]int, ndim-1)
	for dst := 0; dst < len(out.Data); dst += run {
		copy(out.Data[dst:dst+run], v.Data[src:src+run])
		for d := ndim - 2; d >= 0; d-- {
			coord[d]++
			src += strides[d]
			if coord[d] < extent[d] {
				break
			}
			src -= coord[d] * strides[d]
			coord[d] = 0
		}
	}
	return out, nil
}

package zarr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// Dtype is a simple zarr data type following the NumPy array protocol type string
// (typestr) format.  The format consists of 3 parts:
//   - One character describing the byteorder of the data:
//     "<": little-endian; ">": big-endian; "|": not-relevant
//   - One character code giving the basic type of the array:
//     "u": unsigned integer, "i": integer, "f": floating point
//   - An integer specifying the number of bytes the type uses.
//
// Only little-endian and single byte numeric types can be read or written.
type Dtype struct {
	ByteOrder ByteOrder
	BasicType BasicType
	ByteSize  int
}

type ByteOrder rune

const (
	BONotRelevant  ByteOrder = '|'
	BOLittleEndian ByteOrder = '<'
	BOBigEndian    ByteOrder = '>'
)

type BasicType rune

const (
	BTInteger       BasicType = 'i'
	BTUnsigned      BasicType = 'u'
	BTFloatingPoint BasicType = 'f'
)

var (
	DtypeUint8   = Dtype{BONotRelevant, BTUnsigned, 1}
	DtypeFloat32 = Dtype{BOLittleEndian, BTFloatingPoint, 4}
)

var dataTypes = map[string]cellflow.DataType{
	"u1": cellflow.T_uint8,
	"i1": cellflow.T_int8,
	"u2": cellflow.T_uint16,
	"i2": cellflow.T_int16,
	"u4": cellflow.T_uint32,
	"i4": cellflow.T_int32,
	"u8": cellflow.T_uint64,
	"i8": cellflow.T_int64,
	"f4": cellflow.T_float32,
	"f8": cellflow.T_float64,
}

var (
	_ json.Unmarshaler = (*Dtype)(nil)
	_ json.Marshaler   = (*Dtype)(nil)
)

// ParseDtype parses a typestr such as "<f4" or "|u1".
func ParseDtype(s string) (dt Dtype, err error) {
	// bug in python implementation uses HTML escape sequences when serializaing JSON
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)

	if len(s) < 3 {
		return dt, fmt.Errorf("invalid dtype string. %q is too short", s)
	}
	dt.ByteOrder = ByteOrder(s[0])
	switch dt.ByteOrder {
	case BONotRelevant, BOLittleEndian, BOBigEndian:
	default:
		return dt, fmt.Errorf("unsupported byte order in dtype %q", s)
	}
	dt.BasicType = BasicType(s[1])
	switch dt.BasicType {
	case BTInteger, BTUnsigned, BTFloatingPoint:
	default:
		return dt, fmt.Errorf("unsupported basic type in dtype %q", s)
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return dt, fmt.Errorf("bad byte size in dtype %q: %w", s, err)
	}
	dt.ByteSize = size
	return dt, nil
}

// DtypeOf returns the zarr dtype for a data type.
func DtypeOf(t cellflow.DataType) (Dtype, error) {
	for code, dt := range dataTypes {
		if dt == t {
			size := cellflow.DataTypeBytes(t)
			order := BOLittleEndian
			if size == 1 {
				order = BONotRelevant
			}
			return Dtype{order, BasicType(code[0]), size}, nil
		}
	}
	return Dtype{}, fmt.Errorf("no zarr dtype for %s", t)
}

// DataType returns the element type, or an error for types that can't be handled.
func (dt Dtype) DataType() (cellflow.DataType, error) {
	if dt.ByteOrder == BOBigEndian && dt.ByteSize > 1 {
		return 0, fmt.Errorf("big-endian dtype %s is not supported", dt)
	}
	t, found := dataTypes[fmt.Sprintf("%c%d", dt.BasicType, dt.ByteSize)]
	if !found {
		return 0, fmt.Errorf("unsupported dtype %s", dt)
	}
	return t, nil
}

func (dt Dtype) String() string {
	return fmt.Sprintf("%c%c%d", dt.ByteOrder, dt.BasicType, dt.ByteSize)
}

func (dt Dtype) MarshalJSON() ([]byte, error) {
	return json.Marshal(dt.String())
}

func (dt *Dtype) UnmarshalJSON(d []byte) error {
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return err
	}
	t, err := ParseDtype(s)
	if err != nil {
		return err
	}
	*dt = t
	return nil
}

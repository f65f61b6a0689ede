package zarr

import (
	. "github.com/janelia-flyem/go/gocheck"

	"github.com/janelia-flyem/cellflow/cellflow"
)

func (s *ArraySuite) TestParseDtype(c *C) {
	cases := []struct {
		str string
		t   cellflow.DataType
	}{
		{"<f4", cellflow.T_float32},
		{"|u1", cellflow.T_uint8},
		{"<u2", cellflow.T_uint16},
		{"<f8", cellflow.T_float64},
		{"&lt;i4", cellflow.T_int32},
	}
	for _, tc := range cases {
		dt, err := ParseDtype(tc.str)
		c.Assert(err, IsNil)
		t, err := dt.DataType()
		c.Assert(err, IsNil)
		c.Assert(t, Equals, tc.t)
	}

	for _, bad := range []string{"f4", "<x4", "<fz", "<c8"} {
		_, err := ParseDtype(bad)
		c.Assert(err, NotNil, Commentf("dtype %q", bad))
	}

	dt, err := DtypeOf(cellflow.T_uint8)
	c.Assert(err, IsNil)
	c.Assert(dt, Equals, DtypeUint8)
	dt, err = DtypeOf(cellflow.T_float32)
	c.Assert(err, IsNil)
	c.Assert(dt, Equals, DtypeFloat32)
}

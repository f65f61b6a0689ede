package cellflow

import (
	"bytes"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestSerializeData(c *C) {
	data := bytes.Repeat([]byte("chunk data "), 100)
	for _, compression := range []Compression{Uncompressed, Snappy, Zstd} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			buf, err := SerializeData(data, compression, checksum)
			c.Assert(err, IsNil)

			out, compress, err := DeserializeData(buf, true)
			c.Assert(err, IsNil)
			c.Assert(compress, Equals, compression)
			c.Assert(out, DeepEquals, data)

			if checksum != NoChecksum {
				buf[5] = buf[5] ^ 0x04 // Flip a bit
				_, _, err = DeserializeData(buf, true)
				c.Assert(err, NotNil)
			}
		}
	}
}

func (s *DataSuite) TestDeserializeDataRaw(c *C) {
	data := bytes.Repeat([]byte("chunk data "), 100)
	buf, err := SerializeData(data, Snappy, CRC32)
	c.Assert(err, IsNil)
	c.Assert(len(buf) < len(data), Equals, true)

	raw, compress, err := DeserializeData(buf, false)
	c.Assert(err, IsNil)
	c.Assert(compress, Equals, Snappy)
	c.Assert(bytes.Equal(raw, data), Equals, false)

	_, _, err = DeserializeData(nil, true)
	c.Assert(err, NotNil)
}

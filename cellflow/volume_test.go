package cellflow

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *DataSuite) TestTranspose(c *C) {
	v := NewVolume(2, 3, 4, 1)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	t, err := v.Transpose([]int{1, 0, 2, 3})
	c.Assert(err, IsNil)
	c.Assert(t.Shape, DeepEquals, []int{3, 2, 4, 1})
	for z := 0; z < 2; z++ {
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				c.Assert(t.Data[t.Index(y, z, x, 0)], Equals, v.Data[v.Index(z, y, x, 0)])
			}
		}
	}

	// Applying the inverse permutation restores the original.
	back, err := t.Transpose([]int{1, 0, 2, 3})
	c.Assert(err, IsNil)
	c.Assert(back.Data, DeepEquals, v.Data)

	_, err = v.Transpose([]int{0, 0, 1, 2})
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestChannelSharesData(c *C) {
	v := NewVolume(3, 2, 2)
	ch := v.Channel(1)
	ch.Data[0] = 5
	c.Assert(v.Data[v.Index(1, 0, 0)], Equals, float32(5))
	c.Assert(ch.Shape, DeepEquals, []int{2, 2})
}

func (s *DataSuite) TestVolumeBytes(c *C) {
	v, err := VolumeFromData([]int{2}, []float32{1.5, -2})
	c.Assert(err, IsNil)
	b := v.Bytes()
	c.Assert(len(b), Equals, 8)
	v2, err := VolumeFromBytes([]int{2}, T_float32, b)
	c.Assert(err, IsNil)
	c.Assert(v2.Data, DeepEquals, v.Data)

	u8, err := VolumeFromBytes([]int{3}, T_uint8, []byte{0, 7, 255})
	c.Assert(err, IsNil)
	c.Assert(u8.Data, DeepEquals, []float32{0, 7, 255})

	_, err = VolumeFromBytes([]int{3}, T_uint16, []byte{0, 7, 255})
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestSubVolume(c *C) {
	v := NewVolume(2, 3, 4)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	sub, err := v.SubVolume(Region{{1, 2}, {1, 3}, {2, 4}})
	c.Assert(err, IsNil)
	c.Assert(sub.Shape, DeepEquals, []int{1, 2, 2})
	c.Assert(sub.Data, DeepEquals, []float32{18, 19, 22, 23})

	all, err := v.SubVolume(RegionFromShape(v.Shape))
	c.Assert(err, IsNil)
	c.Assert(all.Data, DeepEquals, v.Data)

	_, err = v.SubVolume(Region{{0, 3}, {0, 3}, {0, 4}})
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestMaskCount(c *C) {
	m := NewMask(2, 2, 2)
	c.Assert(m.Count(), Equals, 0)
	m.Data[1], m.Data[6] = 1, 1
	c.Assert(m.Count(), Equals, 2)
}

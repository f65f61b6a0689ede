package cellflow

import (
	"testing"

	. "github.com/janelia-flyem/go/gocheck"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type DataSuite struct{}

var _ = Suite(&DataSuite{})

func (s *DataSuite) TestRecoverGlobalPosition(c *C) {
	super := Region{{0, 3}, {0, 3}, {128, 256}, {256, 384}, {0, 128}}
	internal := Region{{0, 3}, {0, 3}, {0, 64}, {64, 128}, {0, 128}}
	global, err := RecoverGlobalPosition(super, internal)
	c.Assert(err, IsNil)
	c.Assert(global, DeepEquals, Region{{0, 3}, {0, 3}, {128, 192}, {320, 384}, {0, 128}})

	_, err = RecoverGlobalPosition(super, internal.Spatial())
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestClampInterior(c *C) {
	global := Region{{10, 20}, {30, 40}, {50, 60}}
	clamped := global.Clamp([]int{100, 100, 100})
	c.Assert(clamped, DeepEquals, global)
}

func (s *DataSuite) TestClampEdges(c *C) {
	global := Region{{0, 1}, {0, 3}, {96, 128}, {0, 64}, {90, 140}}
	clamped := global.Clamp([]int{3, 3, 100, 64, 100})

	// Leading channel spans are never touched.
	c.Assert(clamped[0], Equals, Span{0, 1})
	c.Assert(clamped[1], Equals, Span{0, 3})
	c.Assert(clamped[2], Equals, Span{96, 100})
	c.Assert(clamped[3], Equals, Span{0, 64})
	c.Assert(clamped[4], Equals, Span{90, 100})

	// Receiver unchanged.
	c.Assert(global[2], Equals, Span{96, 128})
}

func (s *DataSuite) TestClampSpatialAgainstLongerShape(c *C) {
	spatial := Region{{120, 130}, {0, 10}, {0, 10}}
	clamped := spatial.Clamp([]int{3, 125, 10, 8})
	c.Assert(clamped, DeepEquals, Region{{120, 125}, {0, 10}, {0, 8}})
}

func (s *DataSuite) TestSpatialAndPrepend(c *C) {
	r := Region{{0, 3}, {0, 3}, {1, 2}, {3, 4}, {5, 6}}
	spatial := r.Spatial()
	c.Assert(spatial, DeepEquals, Region{{1, 2}, {3, 4}, {5, 6}})

	flow := spatial.Prepend(Span{0, 3})
	c.Assert(flow, DeepEquals, Region{{0, 3}, {1, 2}, {3, 4}, {5, 6}})
	c.Assert(flow.Shape(), DeepEquals, []int{3, 1, 1, 1})
	c.Assert(flow.NumElements(), Equals, 3)
	c.Assert(flow.String(), Equals, "[0:3, 1:2, 3:4, 5:6]")
}

func (s *DataSuite) TestWithin(c *C) {
	c.Assert(Region{{0, 10}, {5, 8}}.Within([]int{10, 8}), Equals, true)
	c.Assert(Region{{0, 11}, {5, 8}}.Within([]int{10, 8}), Equals, false)
	c.Assert(Region{{0, 10}}.Within([]int{10, 8}), Equals, false)
}

func (s *DataSuite) TestCopyRegion(c *C) {
	// 2x3x4 source of uint8 values 0..23
	srcShape := []int{2, 3, 4}
	src := make([]byte, 24)
	for i := range src {
		src[i] = byte(i)
	}
	dstShape := []int{1, 2, 2}
	dst := make([]byte, 4)
	err := CopyRegion(dst, dstShape, RegionFromShape(dstShape), src, srcShape, Region{{1, 2}, {1, 3}, {2, 4}}, 1)
	c.Assert(err, IsNil)
	c.Assert(dst, DeepEquals, []byte{18, 19, 22, 23})

	err = CopyRegion(dst, dstShape, RegionFromShape(dstShape), src, srcShape, Region{{1, 2}, {1, 3}, {2, 5}}, 1)
	c.Assert(err, NotNil)
}

func (s *DataSuite) TestCommand(c *C) {
	cmd := Command{"predict", "axis=ZX", "/data/volume.zarr", "extra"}
	c.Assert(cmd.Name(), Equals, "predict")
	value, found := cmd.Parameter(KeyAxis)
	c.Assert(found, Equals, true)
	c.Assert(value, Equals, "ZX")
	var dataset string
	overflow := cmd.CommandArgs(&dataset)
	c.Assert(dataset, Equals, "/data/volume.zarr")
	c.Assert(overflow, DeepEquals, []string{"extra"})
}

package cellflow

import "fmt"

// CopyRegion copies the elements of srcRegion within a C-order buffer of shape srcShape
// into dstRegion within a buffer of shape dstShape.  Both regions must have the same
// extents.  itemSize is the number of bytes per element.
func CopyRegion(dst []byte, dstShape []int, dstRegion Region, src []byte, srcShape []int, srcRegion Region, itemSize int) error {
	if !dstRegion.Within(dstShape) {
		return fmt.Errorf("destination region %s outside shape %s", dstRegion, ShapeString(dstShape))
	}
	if !srcRegion.Within(srcShape) {
		return fmt.Errorf("source region %s outside shape %s", srcRegion, ShapeString(srcShape))
	}
	extent := srcRegion.Shape()
	if !SameShape(extent, dstRegion.Shape()) {
		return fmt.Errorf("source region %s and destination region %s differ in extent", srcRegion, dstRegion)
	}
	if len(dst) < NumElements(dstShape)*itemSize || len(src) < NumElements(srcShape)*itemSize {
		return fmt.Errorf("buffers too small for shapes %s and %s", ShapeString(dstShape), ShapeString(srcShape))
	}
	ndim := len(extent)
	if ndim == 0 || NumElements(extent) == 0 {
		return nil
	}
	srcStrides := stridesOf(srcShape)
	dstStrides := stridesOf(dstShape)

	// Contiguous run along the last axis.
	run := extent[ndim-1] * itemSize
	srcOff, dstOff := 0, 0
	for d := 0; d < ndim; d++ {
		srcOff += srcRegion[d].Start * srcStrides[d]
		dstOff += dstRegion[d].Start * dstStrides[d]
	}
	coord := make([]int, ndim-1)
	for {
		s := srcOff * itemSize
		t := dstOff * itemSize
		copy(dst[t:t+run], src[s:s+run])

		d := ndim - 2
		for ; d >= 0; d-- {
			coord[d]++
			srcOff += srcStrides[d]
			dstOff += dstStrides[d]
			if coord[d] < extent[d] {
				break
			}
			srcOff -= coord[d] * srcStrides[d]
			dstOff -= coord[d] * dstStrides[d]
			coord[d] = 0
		}
		if d < 0 {
			return nil
		}
	}
}

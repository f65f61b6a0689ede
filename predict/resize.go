package predict

import (
	"fmt"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// ResizePlanes bilinearly resamples each plane of a (planes, rows, cols, channels)
// volume to (planes, newRows, newCols, channels) using pixel-center alignment.
func ResizePlanes(v *cellflow.Volume, newRows, newCols int) (*cellflow.Volume, error) {
	if len(v.Shape) != 4 {
		return nil, fmt.Errorf("expected (planes, rows, cols, channels), got %s", cellflow.ShapeString(v.Shape))
	}
	if newRows <= 0 || newCols <= 0 {
		return nil, fmt.Errorf("bad resize target (%d, %d)", newRows, newCols)
	}
	n, rows, cols, nc := v.Shape[0], v.Shape[1], v.Shape[2], v.Shape[3]
	if rows == newRows && cols == newCols {
		out := cellflow.NewVolume(v.Shape...)
		copy(out.Data, v.Data)
		return out, nil
	}
	out := cellflow.NewVolume(n, newRows, newCols, nc)
	ys := sampleGrid(rows, newRows)
	xs := sampleGrid(cols, newCols)
	for p := 0; p < n; p++ {
		src := v.Data[p*rows*cols*nc : (p+1)*rows*cols*nc]
		dst := out.Data[p*newRows*newCols*nc : (p+1)*newRows*newCols*nc]
		for y, sy := range ys {
			for x, sx := range xs {
				for c := 0; c < nc; c++ {
					v00 := src[(sy.i0*cols+sx.i0)*nc+c]
					v01 := src[(sy.i0*cols+sx.i1)*nc+c]
					v10 := src[(sy.i1*cols+sx.i0)*nc+c]
					v11 := src[(sy.i1*cols+sx.i1)*nc+c]
					top := v00 + (v01-v00)*sx.w
					bottom := v10 + (v11-v10)*sx.w
					dst[(y*newCols+x)*nc+c] = top + (bottom-top)*sy.w
				}
			}
		}
	}
	return out, nil
}

type sample struct {
	i0, i1 int
	w      float32
}

// sampleGrid returns, for each output index, the two source indices and the weight
// of the second.
func sampleGrid(n, newN int) []sample {
	grid := make([]sample, newN)
	scale := float64(n) / float64(newN)
	for i := range grid {
		s := (float64(i)+0.5)*scale - 0.5
		if s < 0 {
			s = 0
		}
		i0 := int(s)
		if i0 > n-1 {
			i0 = n - 1
		}
		i1 := i0 + 1
		if i1 > n-1 {
			i1 = n - 1
		}
		grid[i] = sample{i0, i1, float32(s - float64(i0))}
	}
	return grid
}

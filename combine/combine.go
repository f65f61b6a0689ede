/*
	Package combine merges the three per-orientation predictions into a single 3D flow
	field and a binary cell mask.

	Each orientation contributes two in-plane derivatives and a probability:

		XY: (dY, dX, p)    ZX: (dZ, dX, p)    ZY: (dZ, dY, p)

	and every 3D derivative is the sum of the two orientations that see it.
*/
package combine

import (
	"errors"
	"fmt"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// ErrMisaligned is returned when the per-orientation predictions do not share a shape.
var ErrMisaligned = errors.New("per-axis predictions are misaligned")

// DefaultThreshold is the probability sum a voxel must exceed to be in the mask.
const DefaultThreshold float32 = 0.0

// Result holds the combined flow, the mask and the flow gated by the mask.
type Result struct {
	// Combined is the (3, Z, Y, X) flow with channels (dZ, dY, dX).
	Combined *cellflow.Volume

	// Masked is Combined with every channel zeroed outside the mask.
	Masked *cellflow.Volume

	// Mask is the (Z, Y, X) cell-presence mask.
	Mask *cellflow.Mask
}

// Combine merges XY, ZX and ZY predictions of shape (C, Z, Y, X), C >= 3, where the
// probability is the last channel.  A voxel is in the mask only if the summed
// probability is strictly greater than threshold.
func Combine(axes [3]*cellflow.Volume, threshold float32) (*Result, error) {
	for i, v := range axes {
		if v == nil {
			return nil, fmt.Errorf("%w: missing prediction %d", ErrMisaligned, i)
		}
		if len(v.Shape) != 4 || v.Shape[0] < 3 {
			return nil, fmt.Errorf("%w: prediction %d has shape %s", ErrMisaligned, i, cellflow.ShapeString(v.Shape))
		}
		if !cellflow.SameShape(v.Shape, axes[0].Shape) {
			return nil, fmt.Errorf("%w: shapes %s and %s", ErrMisaligned,
				cellflow.ShapeString(axes[0].Shape), cellflow.ShapeString(v.Shape))
		}
	}
	xy, zx, zy := axes[0], axes[1], axes[2]
	last := xy.Shape[0] - 1
	spatial := xy.Shape[1:]
	n := cellflow.NumElements(spatial)

	combined := cellflow.NewVolume(3, spatial[0], spatial[1], spatial[2])
	masked := cellflow.NewVolume(3, spatial[0], spatial[1], spatial[2])
	mask := cellflow.NewMask(spatial...)

	dZ := []*cellflow.Volume{zx.Channel(0), zy.Channel(0)}
	dY := []*cellflow.Volume{xy.Channel(0), zy.Channel(1)}
	dX := []*cellflow.Volume{xy.Channel(1), zx.Channel(1)}
	probs := []*cellflow.Volume{xy.Channel(last), zx.Channel(last), zy.Channel(last)}

	for i := 0; i < n; i++ {
		z := dZ[0].Data[i] + dZ[1].Data[i]
		y := dY[0].Data[i] + dY[1].Data[i]
		x := dX[0].Data[i] + dX[1].Data[i]
		combined.Data[i] = z
		combined.Data[n+i] = y
		combined.Data[2*n+i] = x

		p := probs[0].Data[i] + probs[1].Data[i] + probs[2].Data[i]
		if p > threshold {
			mask.Data[i] = 1
			masked.Data[i] = z
			masked.Data[n+i] = y
			masked.Data[2*n+i] = x
		}
	}
	return &Result{Combined: combined, Masked: masked, Mask: mask}, nil
}

// CombineStacked combines a (3, C, Z, Y, X) volume whose leading axis holds the XY,
// ZX and ZY predictions, as stored in the gradients array.
func CombineStacked(v *cellflow.Volume, threshold float32) (*Result, error) {
	if len(v.Shape) != 5 || v.Shape[0] != 3 {
		return nil, fmt.Errorf("%w: stacked predictions have shape %s", ErrMisaligned, cellflow.ShapeString(v.Shape))
	}
	return Combine([3]*cellflow.Volume{v.Channel(0), v.Channel(1), v.Channel(2)}, threshold)
}

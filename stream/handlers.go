package stream

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/combine"
	"github.com/janelia-flyem/cellflow/loader"
	"github.com/janelia-flyem/cellflow/predict"
	"github.com/janelia-flyem/cellflow/zarr"
)

// spatialVolume drops leading singleton dimensions so a sample is (Z, Y, X).
func spatialVolume(v *cellflow.Volume) (*cellflow.Volume, error) {
	n := len(v.Shape)
	if n < cellflow.NumSpatialDims {
		return nil, fmt.Errorf("sample shape %s has fewer than 3 dimensions", cellflow.ShapeString(v.Shape))
	}
	for _, d := range v.Shape[:n-cellflow.NumSpatialDims] {
		if d != 1 {
			return nil, fmt.Errorf("sample shape %s has non-singleton leading dimensions", cellflow.ShapeString(v.Shape))
		}
	}
	return v.Reshape(v.Shape[n-3:]...)
}

// clip returns the part of v within the first extent elements of each trailing
// spatial axis.
func clip(v *cellflow.Volume, extent []int) (*cellflow.Volume, error) {
	region := cellflow.RegionFromShape(v.Shape)
	lead := len(region) - cellflow.NumSpatialDims
	changed := false
	for i, n := range extent {
		if n < region[lead+i].Stop {
			region[lead+i].Stop = n
			changed = true
		}
	}
	if !changed {
		return v, nil
	}
	return v.SubVolume(region)
}

// PredictHandler runs one orientation on each sample and writes it into the
// gradients array of shape (3, 3, Z, Y, X) at the orientation's index.
type PredictHandler struct {
	Axis      predict.Axis
	Predictor *predict.Predictor
	Output    *zarr.Array
}

func (h *PredictHandler) Handle(ctx context.Context, sample loader.Sample, global cellflow.Region) error {
	chunk, err := spatialVolume(sample.Data)
	if err != nil {
		return err
	}
	out, err := h.Predictor.Predict(ctx, h.Axis, chunk)
	if err != nil {
		return err
	}
	a := int(h.Axis)
	region := global.Spatial().Prepend(cellflow.Span{Start: a, Stop: a + 1}, cellflow.Span{Start: 0, Stop: predict.NumChannels})
	region = region.Clamp(h.Output.Shape())
	out, err = clip(out, region.Spatial().Shape())
	if err != nil {
		return err
	}
	out, err = out.Reshape(region.Shape()...)
	if err != nil {
		return err
	}
	return h.Output.WriteVolume(ctx, region, out)
}

// CombineHandler combines (3, 3, Z, Y, X) samples of the gradients array and writes
// the masked flow and the mask.
type CombineHandler struct {
	Threshold float32

	// Flow has shape (3, Z, Y, X).
	Flow *zarr.Array

	// Mask has shape (Z, Y, X).
	Mask *zarr.Array
}

func (h *CombineHandler) Handle(ctx context.Context, sample loader.Sample, global cellflow.Region) error {
	res, err := combine.CombineStacked(sample.Data, h.Threshold)
	if err != nil {
		return err
	}
	spatial := global.Spatial()
	flowRegion := spatial.Prepend(cellflow.Span{Start: 0, Stop: 3}).Clamp(h.Flow.Shape())
	maskRegion := spatial.Clamp(h.Mask.Shape())

	flow, err := clip(res.Masked, flowRegion.Spatial().Shape())
	if err != nil {
		return err
	}
	if err := h.Flow.WriteVolume(ctx, flowRegion, flow); err != nil {
		return err
	}
	mask := res.Mask
	cellflow.Debugf("Combined %s: %d of %d voxels are cells\n", spatial, mask.Count(), len(mask.Data))
	if ext := maskRegion.Shape(); !cellflow.SameShape(ext, mask.Shape) {
		if mask, err = clipMask(mask, ext); err != nil {
			return err
		}
	}
	return h.Mask.WriteMask(ctx, maskRegion, mask)
}

func clipMask(m *cellflow.Mask, extent []int) (*cellflow.Mask, error) {
	v := cellflow.NewVolume(m.Shape...)
	for i, b := range m.Data {
		v.Data[i] = float32(b)
	}
	sub, err := v.SubVolume(cellflow.RegionFromShape(extent))
	if err != nil {
		return nil, err
	}
	out := cellflow.NewMask(extent...)
	for i, f := range sub.Data {
		out.Data[i] = uint8(f)
	}
	return out, nil
}

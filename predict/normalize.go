package predict

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// minPercentileRange is the smallest percentile spread that is rescaled.  Flatter
// chunks normalize to zero.
const minPercentileRange = 1e-3

// NormalizePercentile returns a copy of v where the low percentile maps to 0 and the
// high percentile maps to 1.  Percentiles are in [0, 100].
func NormalizePercentile(v *cellflow.Volume, low, high float64) (*cellflow.Volume, error) {
	if low < 0 || high > 100 || low >= high {
		return nil, fmt.Errorf("bad percentiles (%g, %g)", low, high)
	}
	out := cellflow.NewVolume(v.Shape...)
	if len(v.Data) == 0 {
		return out, nil
	}
	sorted := make([]float64, len(v.Data))
	for i, f := range v.Data {
		sorted[i] = float64(f)
	}
	sort.Float64s(sorted)
	lo := stat.Quantile(low/100, stat.LinInterp, sorted, nil)
	hi := stat.Quantile(high/100, stat.LinInterp, sorted, nil)
	if hi-lo < minPercentileRange {
		return out, nil
	}
	scale := 1 / (hi - lo)
	for i, f := range v.Data {
		out.Data[i] = float32((float64(f) - lo) * scale)
	}
	return out, nil
}

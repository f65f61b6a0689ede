/*
	Package predict runs 2D inference on one plane orientation of a 3D chunk and
	returns the per-axis derivative and probability volume.  The inference engine
	itself is external and reached through the Engine interface.
*/
package predict

import (
	"context"
	"fmt"
	"math"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// NumChannels is the number of output channels per plane: two derivatives along the
// plane's rows and columns, then the cell probability.
const NumChannels = 3

// Engine runs 2D inference on a stack of planes.  The input has shape
// (planes, rows, cols, 1) and the result must have shape (planes, rows, cols, 3).
// Calls block until inference completes.
type Engine interface {
	Predict(ctx context.Context, stack *cellflow.Volume) (*cellflow.Volume, error)
}

// Config holds model parameters for a Predictor.
type Config struct {
	// Diameter is the expected cell diameter in voxels.  Zero uses DiameterMean.
	Diameter float64 `toml:"diameter" yaml:"diameter"`

	// DiameterMean is the cell diameter the model was trained with.
	DiameterMean float64 `toml:"diameter_mean" yaml:"diameter_mean"`

	// Anisotropy is the ratio of Z spacing to XY spacing.  Planes with rows along Z
	// are stretched by this factor.
	Anisotropy float64 `toml:"anisotropy" yaml:"anisotropy"`

	// Normalize rescales each chunk so its low and high percentiles map to 0 and 1.
	Normalize bool `toml:"normalize" yaml:"normalize"`

	LowPercentile  float64 `toml:"low_percentile" yaml:"low_percentile"`
	HighPercentile float64 `toml:"high_percentile" yaml:"high_percentile"`
}

// DefaultConfig returns the parameters of the standard cytoplasm model.
func DefaultConfig() Config {
	return Config{
		Diameter:       15,
		DiameterMean:   15,
		Anisotropy:     1.0,
		Normalize:      true,
		LowPercentile:  1,
		HighPercentile: 99,
	}
}

// RescaleFactor is the isotropic resize factor applied before inference.
func (c Config) RescaleFactor() float64 {
	if c.Diameter <= 0 || c.DiameterMean <= 0 {
		return 1.0
	}
	return c.DiameterMean / c.Diameter
}

// Predictor adapts 3D chunks to an Engine for each orientation.
type Predictor struct {
	engine Engine
	config Config
}

// New returns a Predictor using the given engine and model parameters.
func New(engine Engine, config Config) *Predictor {
	return &Predictor{engine: engine, config: config}
}

// Predict transposes a (Z, Y, X) chunk so the axis planes lead, optionally rescales the
// planes, runs inference and transposes back.  The result has shape (3, Z, Y, X) with
// the two derivative channels of the orientation followed by the probability channel.
func (p *Predictor) Predict(ctx context.Context, axis Axis, chunk *cellflow.Volume) (*cellflow.Volume, error) {
	if !axis.Valid() {
		return nil, fmt.Errorf("invalid axis %d", int(axis))
	}
	if len(chunk.Shape) != 3 {
		return nil, fmt.Errorf("expected a Z, Y, X chunk, got shape %s", cellflow.ShapeString(chunk.Shape))
	}
	desc := axis.Descriptor()

	data := chunk
	if p.config.Normalize {
		var err error
		if data, err = NormalizePercentile(chunk, p.config.LowPercentile, p.config.HighPercentile); err != nil {
			return nil, err
		}
	}
	withChannel, err := data.Reshape(chunk.Shape[0], chunk.Shape[1], chunk.Shape[2], 1)
	if err != nil {
		return nil, err
	}
	planes, err := withChannel.Transpose(desc.Perm[:])
	if err != nil {
		return nil, err
	}
	rows, cols := planes.Shape[1], planes.Shape[2]

	scale := desc.Rescale(p.config.RescaleFactor(), p.config.Anisotropy)
	scaledRows := scaledSize(rows, scale[0])
	scaledCols := scaledSize(cols, scale[1])
	if scaledRows != rows || scaledCols != cols {
		if planes, err = ResizePlanes(planes, scaledRows, scaledCols); err != nil {
			return nil, err
		}
	}

	cellflow.Debugf("running %s: %d planes of size (%d, %d)\n", desc.Name, planes.Shape[0], rows, cols)
	out, err := p.engine.Predict(ctx, planes)
	if err != nil {
		return nil, fmt.Errorf("inference on %s planes: %w", desc.Name, err)
	}
	expected := []int{planes.Shape[0], scaledRows, scaledCols, NumChannels}
	if !cellflow.SameShape(out.Shape, expected) {
		return nil, fmt.Errorf("inference on %s planes returned shape %s, expected %s", desc.Name,
			cellflow.ShapeString(out.Shape), cellflow.ShapeString(expected))
	}
	if scaledRows != rows || scaledCols != cols {
		if out, err = ResizePlanes(out, rows, cols); err != nil {
			return nil, err
		}
	}
	return out.Transpose(desc.Inverse[:])
}

func scaledSize(n int, factor float64) int {
	if factor == 1.0 || factor <= 0 {
		return n
	}
	s := int(math.Round(float64(n) * factor))
	if s < 1 {
		s = 1
	}
	return s
}

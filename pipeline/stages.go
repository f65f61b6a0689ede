package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/loader"
	"github.com/janelia-flyem/cellflow/predict"
	"github.com/janelia-flyem/cellflow/storage"
	"github.com/janelia-flyem/cellflow/stream"
	"github.com/janelia-flyem/cellflow/zarr"
)

// Paths locates the input and outputs of a stage.  A stage returns the paths the next
// stage reads.
type Paths struct {
	// Dataset and Multiscale locate the array a stage reads.
	Dataset    string
	Multiscale string

	// Results is the directory or store prefix for this dataset's outputs.
	Results string

	Gradients string
	Flow      string
	Mask      string
}

// Input returns the reference of the array a stage reads.
func (p Paths) Input() string {
	return storage.Join(p.Dataset, p.Multiscale)
}

// PathsFor returns the paths of a dataset.  With more than one dataset, each gets its
// own subdirectory of the results directory.
func (c *Config) PathsFor(dataset string) Paths {
	results := c.Data.Results
	if len(c.Data.Datasets) > 1 {
		name := strings.TrimSuffix(path.Base(strings.TrimRight(dataset, "/")), ".zarr")
		results = storage.Join(results, name)
	}
	output := func(name string) string {
		if strings.Contains(name, "://") {
			return name
		}
		return storage.Join(results, name)
	}
	return Paths{
		Dataset:    dataset,
		Multiscale: c.Data.Multiscale,
		Results:    results,
		Gradients:  output(c.Output.Gradients),
		Flow:       output(c.Output.Flow),
		Mask:       output(c.Output.Mask),
	}
}

// Env is shared by the stages of a run.
type Env struct {
	RunID    string
	Config   *Config
	Notifier Notifier
}

func (e *Env) notify(kind, stage string, p Paths, detail map[string]interface{}) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Notify(Event{RunID: e.RunID, Kind: kind, Stage: stage, Dataset: p.Dataset, Time: time.Now(), Detail: detail})
}

func (e *Env) skipNotifier(stage string, p Paths) stream.SkipFunc {
	return func(global cellflow.Region, shape []int) {
		e.notify(EventSkipped, stage, p, map[string]interface{}{
			"region": global.String(),
			"shape":  cellflow.ShapeString(shape),
		})
	}
}

// Stage is one step of the pipeline run on each dataset.
type Stage interface {
	Name() string
	Run(ctx context.Context, env *Env, p Paths) (Paths, error)
}

// checkChunkContract verifies that the trailing spatial chunk of an output array is
// the stage's prediction chunk.
func checkChunkContract(a *zarr.Array, chunk []int) error {
	chunks := a.Chunks()
	got := chunks[len(chunks)-cellflow.NumSpatialDims:]
	if !cellflow.SameShape(got, chunk) {
		return cellflow.NewConfigError("chunk", "%s has spatial chunks %s but the prediction chunk is %s",
			a, cellflow.ShapeString(got), cellflow.ShapeString(chunk))
	}
	return nil
}

func (c *Config) compressor() (*zarr.CompressorMeta, error) {
	return zarr.NewCompressor(c.Output.Compressor, c.Output.Level)
}

// PredictStage runs the plane orientations over the input and writes the per-axis
// gradients array of shape (3, 3, Z, Y, X).
type PredictStage struct {
	Engine predict.Engine

	// Axes limits the orientations that are predicted.  If empty, all three are run
	// and the gradients array is recreated.  Otherwise the chosen orientations are
	// written into the existing array.
	Axes []predict.Axis
}

func (s *PredictStage) Name() string { return "predict" }

func (s *PredictStage) Run(ctx context.Context, env *Env, p Paths) (Paths, error) {
	cfg := env.Config
	if s.Engine == nil {
		return p, fmt.Errorf("no inference engine for the predict stage")
	}
	input, err := zarr.OpenRef(ctx, p.Input(), zarr.ModeRead, nil)
	if err != nil {
		return p, err
	}
	shape := input.Shape()
	input.Close()
	if len(shape) < cellflow.NumSpatialDims {
		return p, fmt.Errorf("input %s has shape %s, need at least Z, Y, X", p.Input(), cellflow.ShapeString(shape))
	}
	spatial := shape[len(shape)-cellflow.NumSpatialDims:]
	comp, err := cfg.compressor()
	if err != nil {
		return p, err
	}
	predictor := predict.New(s.Engine, cfg.Model.Config)

	recreate := len(s.Axes) == 0
	for i, axis := range predict.Axes {
		if !recreate && !containsAxis(s.Axes, axis) {
			continue
		}
		stacked := axis.Descriptor().Stacked
		slices := cfg.Predict.SlicesPerAxis[i]
		if slices > spatial[stacked] {
			slices = spatial[stacked]
		}
		chunk, err := axis.PredictionChunk(spatial, slices)
		if err != nil {
			return p, err
		}
		meta, err := zarr.NewMeta(append([]int{3, 3}, spatial...), append([]int{1, 3}, chunk...), cellflow.T_float32, comp)
		if err != nil {
			return p, err
		}
		mode := zarr.ModeAppend
		if recreate && i == 0 {
			mode = zarr.ModeCreate
		}
		if err := s.runAxis(ctx, env, p, axis, chunk, meta, mode, predictor); err != nil {
			return p, fmt.Errorf("%s pass: %w", axis, err)
		}
	}
	return p, nil
}

func containsAxis(axes []predict.Axis, axis predict.Axis) bool {
	for _, a := range axes {
		if a == axis {
			return true
		}
	}
	return false
}

func (s *PredictStage) runAxis(ctx context.Context, env *Env, p Paths, axis predict.Axis, chunk []int,
	meta zarr.Meta, mode zarr.Mode, predictor *predict.Predictor) error {

	cfg := env.Config
	l, err := loader.NewZarrLoader(ctx, loader.Config{
		Path:            p.Dataset,
		Multiscale:      p.Multiscale,
		PredictionChunk: chunk,
		Overlap:         cfg.Loader.Overlap,
		SuperChunk:      cfg.Loader.SuperChunk,
		TargetSizeMB:    cfg.Loader.TargetSizeMB,
		Workers:         cfg.Loader.Workers,
		BatchSize:       cfg.Loader.BatchSize,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	grads, err := zarr.OpenRef(ctx, p.Gradients, mode, &meta)
	if err != nil {
		return err
	}
	defer grads.Close()
	cellflow.Infof("%s pass writing %s with chunks %s: %d samples staged in super-chunks %s\n", axis, grads,
		cellflow.ShapeString(grads.Chunks()), l.NumSamples(), cellflow.ShapeString(l.SuperChunk()))

	c := &stream.Controller{
		Loader:     l,
		Handler:    &stream.PredictHandler{Axis: axis, Predictor: predictor, Output: grads},
		ChunkShape: l.ChunkShape(),
		Name:       "predict " + axis.String(),
		OnSkip:     env.skipNotifier(s.Name(), p),
	}
	_, err = c.Run(ctx)
	return err
}

// CombineStage merges the per-axis gradients into the masked flow array (3, Z, Y, X)
// and the mask array (Z, Y, X).
type CombineStage struct{}

func (s *CombineStage) Name() string { return "combine" }

func (s *CombineStage) Run(ctx context.Context, env *Env, p Paths) (Paths, error) {
	cfg := env.Config.Combine
	grads, err := zarr.OpenRef(ctx, p.Gradients, zarr.ModeRead, nil)
	if err != nil {
		return p, err
	}
	shape := grads.Shape()
	grads.Close()
	if len(shape) != 5 || shape[0] != 3 || shape[1] < 3 {
		return p, fmt.Errorf("gradients %s have shape %s, expected (3, 3, Z, Y, X)", p.Gradients, cellflow.ShapeString(shape))
	}
	spatial := shape[2:]
	chunk, super := combineChunks(spatial, cfg.Chunk, cfg.SuperChunk)

	l, err := loader.NewZarrLoader(ctx, loader.Config{
		Path:            p.Gradients,
		Multiscale:      ".",
		PredictionChunk: append([]int{3, 3}, chunk...),
		SuperChunk:      super,
		TargetSizeMB:    env.Config.Loader.TargetSizeMB,
		Workers:         cfg.Workers,
		BatchSize:       cfg.BatchSize,
	})
	if err != nil {
		return p, err
	}
	defer l.Close()
	comp, err := env.Config.compressor()
	if err != nil {
		return p, err
	}
	flowMeta, err := zarr.NewMeta(append([]int{3}, spatial...), append([]int{1}, chunk...), cellflow.T_float32, comp)
	if err != nil {
		return p, err
	}
	maskMeta, err := zarr.NewMeta(spatial, chunk, cellflow.T_uint8, comp)
	if err != nil {
		return p, err
	}
	flow, err := zarr.CreateRef(ctx, p.Flow, flowMeta)
	if err != nil {
		return p, err
	}
	defer flow.Close()
	mask, err := zarr.CreateRef(ctx, p.Mask, maskMeta)
	if err != nil {
		return p, err
	}
	defer mask.Close()
	for _, a := range []*zarr.Array{flow, mask} {
		if err := checkChunkContract(a, chunk); err != nil {
			return p, err
		}
	}

	cellflow.Infof("Combining %s into %s and %s: %d samples staged in super-chunks %s\n", p.Gradients, flow, mask,
		l.NumSamples(), cellflow.ShapeString(l.SuperChunk()))
	c := &stream.Controller{
		Loader:     l,
		Handler:    &stream.CombineHandler{Threshold: cfg.Threshold, Flow: flow, Mask: mask},
		ChunkShape: l.ChunkShape(),
		Name:       s.Name(),
		OnSkip:     env.skipNotifier(s.Name(), p),
	}
	if _, err := c.Run(ctx); err != nil {
		return p, err
	}
	return p, nil
}

// combineChunks limits the spatial chunk to the array and returns the loader's
// super-chunk, or nil to size it from the staging target.  A dimension whose chunk
// was limited is staged whole.
func combineChunks(spatial, chunk, super []int) ([]int, []int) {
	limited := make([]int, len(chunk))
	var out []int
	if len(super) != 0 {
		out = append([]int{3, 3}, super...)
	}
	for d := range chunk {
		limited[d] = chunk[d]
		if limited[d] > spatial[d] {
			limited[d] = spatial[d]
			if out != nil {
				out[2+d] = spatial[d]
			}
		}
	}
	return limited, out
}

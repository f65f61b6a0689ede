package loader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/DmitriyVTitov/size"
	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/storage"
	"github.com/janelia-flyem/cellflow/zarr"
)

// DefaultTargetSizeMB is the default staging size of a super-chunk.
const DefaultTargetSizeMB = 3072

// Config describes the array to load and how it is cut.
type Config struct {
	// Path is the store reference of the dataset.
	Path string

	// Multiscale is the array within the dataset, e.g. "0".  "." is the dataset itself.
	Multiscale string

	// PredictionChunk is the sample shape.  If it has fewer dimensions than the array,
	// leading array dimensions are taken whole.
	PredictionChunk []int

	// Overlap is added on both sides of every sample along each dimension.  Zero by
	// default so samples tile the array exactly once.
	Overlap []int

	// SuperChunk, if set, is the shape of each staged block and must be a multiple of
	// PredictionChunk.  Otherwise it is derived from TargetSizeMB.
	SuperChunk []int

	TargetSizeMB int

	// Workers is the number of goroutines cutting samples from a super-chunk.  Zero
	// cuts serially.
	Workers int

	BatchSize int
}

type staged struct {
	samples []Sample
	err     error
}

// ZarrLoader loads samples from a zarr array.  A single producer stages one
// super-chunk ahead of the consumer.
type ZarrLoader struct {
	config Config
	array  *zarr.Array

	shape   []int
	chunk   []int
	overlap []int
	super   []int

	staged chan staged
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending   []Sample
	exhausted bool
	batches   int
}

// NewZarrLoader opens the array and starts staging super-chunks.
func NewZarrLoader(ctx context.Context, config Config) (*ZarrLoader, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.Workers < 0 {
		return nil, cellflow.NewConfigError("workers", "must not be negative, got %d", config.Workers)
	}
	if config.Multiscale == "" {
		config.Multiscale = "."
	}
	ref := storage.Join(config.Path, config.Multiscale)
	array, err := zarr.OpenRef(ctx, ref, zarr.ModeRead, nil)
	if err != nil {
		return nil, err
	}
	l := &ZarrLoader{config: config, array: array, shape: array.Shape()}
	if err := l.setShapes(); err != nil {
		array.Close()
		return nil, err
	}
	cellflow.Infof("Loading %s %s: chunk %s, overlap %s, super-chunk %s, %d workers\n", ref,
		cellflow.ShapeString(l.shape), cellflow.ShapeString(l.chunk), cellflow.ShapeString(l.overlap),
		cellflow.ShapeString(l.super), config.Workers)

	pctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.staged = make(chan staged, 1)
	l.wg.Add(1)
	go l.produce(pctx)
	return l, nil
}

// leading pads a shape to the array's dimensionality.
func (l *ZarrLoader) leading(field string, s []int, fill func(d int) int) ([]int, error) {
	ndim := len(l.shape)
	if len(s) > ndim {
		return nil, cellflow.NewConfigError(field, "%s has more dimensions than array %s",
			cellflow.ShapeString(s), cellflow.ShapeString(l.shape))
	}
	out := make([]int, ndim)
	pad := ndim - len(s)
	for d := 0; d < pad; d++ {
		out[d] = fill(d)
	}
	copy(out[pad:], s)
	return out, nil
}

func (l *ZarrLoader) setShapes() error {
	var err error
	if len(l.config.PredictionChunk) == 0 {
		return cellflow.NewConfigError("prediction_chunk", "no prediction chunk given")
	}
	whole := func(d int) int { return l.shape[d] }
	if l.chunk, err = l.leading("prediction_chunk", l.config.PredictionChunk, whole); err != nil {
		return err
	}
	for _, n := range l.chunk {
		if n <= 0 {
			return cellflow.NewConfigError("prediction_chunk", "%s must be positive", cellflow.ShapeString(l.chunk))
		}
	}
	if l.overlap, err = l.leading("overlap", l.config.Overlap, func(int) int { return 0 }); err != nil {
		return err
	}
	for _, n := range l.overlap {
		if n < 0 {
			return cellflow.NewConfigError("overlap", "%s must not be negative", cellflow.ShapeString(l.overlap))
		}
	}
	if len(l.config.SuperChunk) == 0 {
		target := l.config.TargetSizeMB
		if target <= 0 {
			target = DefaultTargetSizeMB
		}
		l.super = SuperChunkShape(l.shape, l.chunk, int64(target)*cellflow.Mega)
		return nil
	}
	if l.super, err = l.leading("super_chunk", l.config.SuperChunk, whole); err != nil {
		return err
	}
	for d := range l.super {
		if l.super[d] <= 0 || l.super[d]%l.chunk[d] != 0 {
			return cellflow.NewConfigError("super_chunk", "%s is not a multiple of prediction chunk %s",
				cellflow.ShapeString(l.super), cellflow.ShapeString(l.chunk))
		}
	}
	return nil
}

// SuperChunkShape grows chunk by whole chunks, trailing dimensions first, while the
// float32 staging size stays within targetBytes and the array extent is not exceeded.
func SuperChunkShape(shape, chunk []int, targetBytes int64) []int {
	super := make([]int, len(chunk))
	copy(super, chunk)
	bytes := func() int64 { return int64(cellflow.NumElements(super)) * 4 }
	for grown := true; grown; {
		grown = false
		for d := len(super) - 1; d >= 0; d-- {
			if super[d] >= shape[d] {
				continue
			}
			super[d] += chunk[d]
			if bytes() > targetBytes {
				super[d] -= chunk[d]
				continue
			}
			grown = true
		}
	}
	return super
}

// ChunkShape returns the full sample shape including overlap.
func (l *ZarrLoader) ChunkShape() []int {
	s := make([]int, len(l.chunk))
	for d := range s {
		s[d] = l.chunk[d] + 2*l.overlap[d]
	}
	return s
}

// Shape returns the array shape.
func (l *ZarrLoader) Shape() []int {
	return append([]int{}, l.shape...)
}

// SuperChunk returns the staged block shape without overlap.
func (l *ZarrLoader) SuperChunk() []int {
	return append([]int{}, l.super...)
}

// NumSamples returns the number of samples the loader will emit.
func (l *ZarrLoader) NumSamples() int {
	n := 1
	for d := range l.shape {
		n *= (l.shape[d] + l.chunk[d] - 1) / l.chunk[d]
	}
	return n
}

// grid calls fn with the region of every cell of size step tiling bounds, in C order.
// Cells at the upper edge of bounds are cut short.
func grid(bounds cellflow.Region, step []int, fn func(cellflow.Region) error) error {
	ndim := len(bounds)
	if ndim == 0 {
		return nil
	}
	for _, s := range bounds {
		if s.Len() <= 0 {
			return nil
		}
	}
	start := bounds.StartPoint()
	pos := append([]int{}, start...)
	for {
		cell := make(cellflow.Region, ndim)
		for d := range cell {
			stop := pos[d] + step[d]
			if stop > bounds[d].Stop {
				stop = bounds[d].Stop
			}
			cell[d] = cellflow.Span{Start: pos[d], Stop: stop}
		}
		if err := fn(cell); err != nil {
			return err
		}
		d := ndim - 1
		for ; d >= 0; d-- {
			pos[d] += step[d]
			if pos[d] < bounds[d].Stop {
				break
			}
			pos[d] = start[d]
		}
		if d < 0 {
			return nil
		}
	}
}

// expand grows r by the overlap on both sides, limited to the array.
func (l *ZarrLoader) expand(r cellflow.Region) cellflow.Region {
	out := make(cellflow.Region, len(r))
	for d, s := range r {
		start, stop := s.Start-l.overlap[d], s.Stop+l.overlap[d]
		if start < 0 {
			start = 0
		}
		if stop > l.shape[d] {
			stop = l.shape[d]
		}
		out[d] = cellflow.Span{Start: start, Stop: stop}
	}
	return out
}

func (l *ZarrLoader) produce(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.staged)

	err := grid(cellflow.RegionFromShape(l.shape), l.super, func(superCell cellflow.Region) error {
		samples, err := l.stage(ctx, superCell)
		if err != nil {
			return err
		}
		select {
		case l.staged <- staged{samples: samples}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && ctx.Err() == nil {
		select {
		case l.staged <- staged{err: err}:
		case <-ctx.Done():
		}
	}
}

// stage reads one super-chunk with its overlap halo and cuts it into samples.
func (l *ZarrLoader) stage(ctx context.Context, superCell cellflow.Region) ([]Sample, error) {
	timedLog := cellflow.NewTimeLog()
	region := l.expand(superCell)
	data, err := l.array.ReadVolume(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("staging super-chunk %s: %w", region, err)
	}
	timedLog.Debugf("Staged super-chunk %s (%s)", region, humanize.Bytes(uint64(size.Of(data))))

	var cells []cellflow.Region
	grid(superCell, l.chunk, func(cell cellflow.Region) error {
		cells = append(cells, cell)
		return nil
	})
	origin := region.StartPoint()
	samples := make([]Sample, len(cells))
	cut := func(i int) error {
		global := l.expand(cells[i])
		internal := make(cellflow.Region, len(global))
		for d, s := range global {
			internal[d] = cellflow.Span{Start: s.Start - origin[d], Stop: s.Stop - origin[d]}
		}
		sub, err := data.SubVolume(internal)
		if err != nil {
			return err
		}
		samples[i] = Sample{Data: sub, SuperChunk: region, Internal: internal}
		return nil
	}
	if l.config.Workers == 0 {
		for i := range cells {
			if err := cut(i); err != nil {
				return nil, err
			}
		}
		return samples, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.Workers)
	for i := range cells {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return cut(i)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return samples, nil
}

// Next returns the next batch of samples or io.EOF when all samples were returned.
func (l *ZarrLoader) Next(ctx context.Context) (*Batch, error) {
	for len(l.pending) < l.config.BatchSize && !l.exhausted {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case s, ok := <-l.staged:
			if !ok {
				l.exhausted = true
				break
			}
			if s.err != nil {
				return nil, s.err
			}
			l.pending = append(l.pending, s.samples...)
		}
	}
	if len(l.pending) == 0 {
		return nil, io.EOF
	}
	n := l.config.BatchSize
	if n > len(l.pending) {
		n = len(l.pending)
	}
	batch := &Batch{Index: l.batches, Samples: l.pending[:n:n]}
	l.pending = l.pending[n:]
	l.batches++
	return batch, nil
}

// Close stops staging and closes the array.
func (l *ZarrLoader) Close() error {
	l.cancel()
	for range l.staged {
	}
	l.wg.Wait()
	return l.array.Close()
}

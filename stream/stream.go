/*
	Package stream drives a loader's samples through a handler in order, recovering the
	absolute position of every sample and skipping samples cut short at array edges.
*/
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/loader"
)

// Handler processes one sample whose absolute region is global.
type Handler interface {
	Handle(ctx context.Context, sample loader.Sample, global cellflow.Region) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, sample loader.Sample, global cellflow.Region) error

func (f HandlerFunc) Handle(ctx context.Context, sample loader.Sample, global cellflow.Region) error {
	return f(ctx, sample, global)
}

// SkipFunc is notified of every sample skipped for its shape.
type SkipFunc func(global cellflow.Region, shape []int)

// Stats summarizes a run.
type Stats struct {
	Batches int
	Handled int
	Skipped int
}

// Controller feeds samples from Loader to Handler one at a time.
type Controller struct {
	Loader  loader.Loader
	Handler Handler

	// ChunkShape is the sample shape the handler accepts.  Samples of any other shape
	// are skipped with a warning.
	ChunkShape []int

	// Name labels progress messages.
	Name string

	// OnSkip, if set, is called for every skipped sample.
	OnSkip SkipFunc
}

// Run processes every batch until the loader is exhausted.  A handler error stops
// the run.
func (c *Controller) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	if c.Loader == nil || c.Handler == nil {
		return stats, fmt.Errorf("stream %q needs a loader and a handler", c.Name)
	}
	timedLog := cellflow.NewTimeLog()
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := c.Loader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("%s batch %d: %w", c.Name, stats.Batches, err)
		}
		stats.Batches++
		for _, sample := range batch.Samples {
			global, err := sample.Global()
			if err != nil {
				return stats, err
			}
			if !cellflow.SameShape(sample.Data.Shape, c.ChunkShape) {
				cellflow.Warningf("%s: skipping sample at %s with shape %s, expected %s\n", c.Name, global,
					cellflow.ShapeString(sample.Data.Shape), cellflow.ShapeString(c.ChunkShape))
				stats.Skipped++
				if c.OnSkip != nil {
					c.OnSkip(global, sample.Data.Shape)
				}
				continue
			}
			if err := c.Handler.Handle(ctx, sample, global); err != nil {
				return stats, fmt.Errorf("%s sample at %s: %w", c.Name, global, err)
			}
			stats.Handled++
			cellflow.Debugf("%s batch %d: wrote %s\n", c.Name, batch.Index, global)
		}
		cellflow.Infof("%s: %d batches, %d samples handled, %d skipped\n", c.Name, stats.Batches, stats.Handled, stats.Skipped)
	}
	timedLog.Infof("%s finished: %d samples handled, %d skipped", c.Name, stats.Handled, stats.Skipped)
	return stats, nil
}

/*
	Package loader turns a chunked array that is too large for memory into a stream of
	in-memory super-chunks and cuts them into fixed-size samples.  Each sample keeps
	the super-chunk region it was cut from and its region within that super-chunk so
	consumers can recover its position in the whole array.
*/
package loader

import (
	"context"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// Sample is one chunk of data with its location.
type Sample struct {
	// Data holds the sample elements.  Its shape is Internal's extent.
	Data *cellflow.Volume

	// SuperChunk is the absolute region of the staged super-chunk.
	SuperChunk cellflow.Region

	// Internal is the sample region relative to the start of SuperChunk.
	Internal cellflow.Region
}

// Global returns the absolute region of the sample within the whole array.
func (s Sample) Global() (cellflow.Region, error) {
	return cellflow.RecoverGlobalPosition(s.SuperChunk, s.Internal)
}

// Batch is a group of consecutive samples.
type Batch struct {
	Index   int
	Samples []Sample
}

// Loader yields batches in a fixed order.  Next returns io.EOF after the last batch.
type Loader interface {
	Next(ctx context.Context) (*Batch, error)

	// ChunkShape is the shape of every sample that is not cut short by an array edge.
	ChunkShape() []int

	// Shape is the shape of the whole array being loaded.
	Shape() []int

	Close() error
}

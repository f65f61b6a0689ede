package loader

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/zarr"
)

func makeArray(t *testing.T, ref string, shape, chunks []int) *cellflow.Volume {
	ctx := context.Background()
	meta, err := zarr.NewMeta(shape, chunks, cellflow.T_float32, nil)
	require.NoError(t, err)
	a, err := zarr.CreateRef(ctx, ref, meta)
	require.NoError(t, err)
	defer a.Close()

	v := cellflow.NewVolume(shape...)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	require.NoError(t, a.WriteVolume(ctx, cellflow.RegionFromShape(shape), v))
	return v
}

func drain(t *testing.T, l Loader) []Sample {
	var samples []Sample
	for i := 0; ; i++ {
		b, err := l.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return samples
		}
		require.NoError(t, err)
		require.Equal(t, i, b.Index)
		samples = append(samples, b.Samples...)
	}
}

func TestZarrLoaderTilesArray(t *testing.T) {
	ref := "mem://loader-tiles/data"
	full := makeArray(t, ref+"/0", []int{5, 6, 7}, []int{2, 3, 4})

	for _, workers := range []int{0, 2} {
		l, err := NewZarrLoader(context.Background(), Config{
			Path:            ref,
			Multiscale:      "0",
			PredictionChunk: []int{2, 3, 4},
			SuperChunk:      []int{4, 6, 4},
			Workers:         workers,
			BatchSize:       3,
		})
		require.NoError(t, err)
		require.Equal(t, []int{2, 3, 4}, l.ChunkShape())
		require.Equal(t, 12, l.NumSamples())

		samples := drain(t, l)
		require.NoError(t, l.Close())
		require.Len(t, samples, 12)

		covered := make([]int, len(full.Data))
		for _, s := range samples {
			global, err := s.Global()
			require.NoError(t, err)
			require.Equal(t, global.Shape(), s.Data.Shape)
			want, err := full.SubVolume(global)
			require.NoError(t, err)
			require.Equal(t, want.Data, s.Data.Data)
			for z := global[0].Start; z < global[0].Stop; z++ {
				for y := global[1].Start; y < global[1].Stop; y++ {
					for x := global[2].Start; x < global[2].Stop; x++ {
						covered[full.Index(z, y, x)]++
					}
				}
			}
		}
		for _, n := range covered {
			require.Equal(t, 1, n)
		}
	}
}

func TestZarrLoaderLeadingDims(t *testing.T) {
	ref := "mem://loader-leading/data"
	makeArray(t, ref, []int{1, 2, 4, 4}, []int{1, 2, 2, 2})

	l, err := NewZarrLoader(context.Background(), Config{
		Path:            ref,
		Multiscale:      ".",
		PredictionChunk: []int{2, 2, 2},
		Overlap:         []int{0, 1, 1},
		SuperChunk:      []int{2, 4, 4},
	})
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, []int{1, 2, 4, 4}, l.ChunkShape())

	samples := drain(t, l)
	require.Len(t, samples, 4)
	// The first sample is cut short by the overlap at the array start.
	require.Equal(t, []int{1, 2, 3, 3}, samples[0].Data.Shape)
	global, err := samples[3].Global()
	require.NoError(t, err)
	require.Equal(t, cellflow.Region{{0, 1}, {0, 2}, {1, 4}, {1, 4}}, global)
}

func TestZarrLoaderConfigErrors(t *testing.T) {
	ref := "mem://loader-errors/data"
	makeArray(t, ref, []int{4, 4, 4}, []int{2, 2, 2})

	var cerr *cellflow.ConfigError
	_, err := NewZarrLoader(context.Background(), Config{Path: ref, PredictionChunk: []int{2, 2, 2}, SuperChunk: []int{3, 4, 4}})
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "super_chunk", cerr.Field)

	_, err = NewZarrLoader(context.Background(), Config{Path: ref, PredictionChunk: []int{1, 2, 2, 2}})
	require.ErrorAs(t, err, &cerr)

	_, err = NewZarrLoader(context.Background(), Config{Path: "mem://loader-errors/missing", PredictionChunk: []int{2, 2, 2}})
	require.Error(t, err)
}

func TestZarrLoaderCloseEarly(t *testing.T) {
	ref := "mem://loader-close/data"
	makeArray(t, ref, []int{8, 4, 4}, []int{2, 4, 4})
	l, err := NewZarrLoader(context.Background(), Config{Path: ref, PredictionChunk: []int{2, 4, 4}, SuperChunk: []int{2, 4, 4}})
	require.NoError(t, err)
	_, err = l.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestSuperChunkShape(t *testing.T) {
	// 4 bytes per element: a 2x2x2 chunk is 32 bytes.
	require.Equal(t, []int{2, 2, 2}, SuperChunkShape([]int{10, 10, 10}, []int{2, 2, 2}, 40))
	require.Equal(t, []int{2, 2, 4}, SuperChunkShape([]int{10, 10, 10}, []int{2, 2, 2}, 64))
	require.Equal(t, []int{4, 4, 4}, SuperChunkShape([]int{4, 4, 4}, []int{2, 2, 2}, 1<<20))
	require.Equal(t, []int{10, 10, 10}, SuperChunkShape([]int{10, 10, 10}, []int{5, 5, 5}, 1<<20))
}

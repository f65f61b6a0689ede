package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/storage"
)

func TestBadgerNamespaces(t *testing.T) {
	ctx := context.Background()
	dbdir := filepath.Join(t.TempDir(), "results.db")

	flows, err := storage.Open("badger://" + dbdir + "#combined_gradients.zarr")
	require.NoError(t, err)
	mask, err := storage.Open("badger://" + dbdir + "#combined_cellprob.zarr")
	require.NoError(t, err)

	require.NoError(t, flows.Put(ctx, "0.0.0.0", []byte("flow chunk")))
	require.NoError(t, mask.Put(ctx, "0.0.0", []byte("mask chunk")))

	got, err := flows.Get(ctx, "0.0.0.0")
	require.NoError(t, err)
	require.Equal(t, "flow chunk", string(got))

	_, err = mask.Get(ctx, "0.0.0.0")
	require.ErrorIs(t, err, storage.ErrNotFound)

	keys, err := flows.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"0.0.0.0"}, keys)

	n, err := flows.(*Store).DeleteAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	keys, err = mask.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"0.0.0"}, keys)

	require.NoError(t, flows.Close())
	require.NoError(t, flows.Close())

	// The database stays open while another namespace holds it.
	got, err = mask.Get(ctx, "0.0.0")
	require.NoError(t, err)
	require.Equal(t, "mask chunk", string(got))
	require.NoError(t, mask.Close())
}

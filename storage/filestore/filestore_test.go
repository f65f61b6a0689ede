package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/storage"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "mask.zarr")

	store, err := storage.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dir)
	require.NoError(t, err, "store directory should be created")

	require.NoError(t, store.Put(ctx, ".zarray", []byte(`{"zarr_format": 2}`)))
	require.NoError(t, store.Put(ctx, "0.1.2", []byte{9, 9}))

	// Keys map onto plain files so other zarr readers see the usual layout.
	data, err := os.ReadFile(filepath.Join(dir, "0.1.2"))
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9}, data)

	got, err := store.Get(ctx, ".zarray")
	require.NoError(t, err)
	require.JSONEq(t, `{"zarr_format": 2}`, string(got))

	_, err = store.Get(ctx, "0.0.0")
	require.ErrorIs(t, err, storage.ErrNotFound)

	keys, err := store.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{".zarray", "0.1.2"}, keys)

	require.NoError(t, store.Delete(ctx, "0.1.2"))
	require.NoError(t, store.Delete(ctx, "0.1.2"))
	_, err = store.Get(ctx, "0.1.2")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	err = store.Put(context.Background(), "../outside", []byte{1})
	require.Error(t, err)
}

package swift

import (
	"context"
	"testing"

	"github.com/ncw/swift/swifttest"
	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/storage"
)

func TestSwiftStore(t *testing.T) {
	srv, err := swifttest.NewSwiftServer("localhost")
	require.NoError(t, err)
	defer srv.Close()
	t.Setenv("ST_AUTH", srv.AuthURL)
	t.Setenv("ST_USER", swifttest.TEST_ACCOUNT)
	t.Setenv("ST_KEY", swifttest.TEST_ACCOUNT)

	ctx := context.Background()
	flows, err := storage.Open("swift://results/run1/combined_gradients.zarr")
	require.NoError(t, err)
	defer flows.Close()
	mask, err := storage.Open("swift://results/run1/combined_cellprob.zarr")
	require.NoError(t, err)
	defer mask.Close()

	_, err = flows.Get(ctx, ".zarray")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, flows.Put(ctx, "0.0.0.0", []byte("flow chunk")))
	require.NoError(t, flows.Put(ctx, "1.0.0.0", []byte("flow chunk 2")))
	require.NoError(t, mask.Put(ctx, "0.0.0", []byte("mask chunk")))

	got, err := flows.Get(ctx, "0.0.0.0")
	require.NoError(t, err)
	require.Equal(t, "flow chunk", string(got))

	keys, err := flows.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"0.0.0.0", "1.0.0.0"}, keys)
	keys, err = flows.Keys(ctx, "1.")
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.0.0"}, keys)

	require.NoError(t, flows.Delete(ctx, "0.0.0.0"))
	require.NoError(t, flows.Delete(ctx, "0.0.0.0"))
	_, err = flows.Get(ctx, "0.0.0.0")
	require.ErrorIs(t, err, storage.ErrNotFound)

	keys, err = mask.Keys(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"0.0.0"}, keys)
	require.Equal(t, "swift://results/run1/combined_cellprob.zarr", mask.String())
}

func TestSwiftNeedsCredentials(t *testing.T) {
	t.Setenv("ST_AUTH", "")
	t.Setenv("ST_USER", "")
	t.Setenv("ST_KEY", "")
	_, err := storage.Open("swift://results/flows.zarr")
	require.Error(t, err)
}

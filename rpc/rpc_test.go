package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janelia-flyem/cellflow/cellflow"
)

type doublingEngine struct{}

func (doublingEngine) Predict(ctx context.Context, stack *cellflow.Volume) (*cellflow.Volume, error) {
	if len(stack.Shape) != 4 {
		return nil, errors.New("bad stack")
	}
	out := cellflow.NewVolume(stack.Shape[0], stack.Shape[1], stack.Shape[2], 3)
	for i, v := range stack.Data {
		out.Data[3*i] = 2 * v
		out.Data[3*i+1] = -v
		out.Data[3*i+2] = 1
	}
	return out, nil
}

func freeAddress(t *testing.T) string {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return fmt.Sprintf("localhost:%d", port)
}

func TestRemoteEngine(t *testing.T) {
	addr := freeAddress(t)
	require.NoError(t, StartServer(addr, doublingEngine{}))
	defer StopServer(addr)
	require.ErrorIs(t, StartServer(addr, doublingEngine{}), ErrServerRunning)

	engine := NewRemoteEngine(addr, "cyto")
	defer engine.Close()

	stack := cellflow.NewVolume(2, 2, 3, 1)
	for i := range stack.Data {
		stack.Data[i] = float32(i)
	}
	out, err := engine.Predict(context.Background(), stack)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 3, 3}, out.Shape)
	require.Equal(t, float32(10), out.Data[out.Index(0, 1, 2, 0)])
	require.Equal(t, float32(-5), out.Data[out.Index(0, 1, 2, 1)])
	require.Equal(t, float32(1), out.Data[out.Index(1, 0, 0, 2)])

	_, err = engine.Predict(context.Background(), cellflow.NewVolume(2, 2))
	require.Error(t, err)
}

func TestStopServer(t *testing.T) {
	require.Error(t, StopServer("localhost:1"))
	require.Error(t, StartServer(freeAddress(t), nil))
}

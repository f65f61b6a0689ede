package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/gorpc"

	"github.com/janelia-flyem/cellflow/cellflow"
)

// inferenceTimeout bounds a single remote call.  Large stacks on a busy GPU can take
// many minutes, so it is effectively unbounded.
const inferenceTimeout = 24 * time.Hour

// RemoteEngine runs inference on a server started with StartServer.
type RemoteEngine struct {
	addr  string
	model string
	c     *gorpc.Client
	dc    *gorpc.DispatcherClient
}

// NewRemoteEngine connects to the inference server at addr, requesting the named
// model.  The connection is established lazily and re-established on failure.
func NewRemoteEngine(addr, model string) *RemoteEngine {
	c := gorpc.NewTCPClient(addr)
	c.RequestTimeout = inferenceTimeout
	c.Start()
	// The dispatcher client only needs the function names, so no engine is bound.
	dc := NewDispatcher(nil).NewFuncClient(c)
	return &RemoteEngine{addr: addr, model: model, c: c, dc: dc}
}

// Predict sends the stack of planes to the server and waits for the result or for
// the context to be done.
func (r *RemoteEngine) Predict(ctx context.Context, stack *cellflow.Volume) (*cellflow.Volume, error) {
	req := PlaneRequest{Model: r.model, Shape: stack.Shape, Data: stack.Data}
	result, err := r.dc.CallAsync(sendPredict, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-result.Done:
	}
	if result.Error != nil {
		return nil, fmt.Errorf("remote inference at %s: %w", r.addr, result.Error)
	}
	resp, ok := result.Response.(PlaneResponse)
	if !ok {
		return nil, fmt.Errorf("remote server %s returned %T instead of planes", r.addr, result.Response)
	}
	return cellflow.VolumeFromData(resp.Shape, resp.Data)
}

func (r *RemoteEngine) String() string {
	return fmt.Sprintf("remote %q inference at %s", r.model, r.addr)
}

// Close stops the client connection.
func (r *RemoteEngine) Close() error {
	r.c.Stop()
	return nil
}

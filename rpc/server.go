/*
	Package rpc serves and calls 2D inference over gorpc so the predict stage can
	run against a model hosted in another process.
*/

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/valyala/gorpc"

	"github.com/janelia-flyem/cellflow/cellflow"
	"github.com/janelia-flyem/cellflow/predict"
)

var (
	// servers assigned to different ports
	servers   map[string]*gorpc.Server
	serversMu sync.Mutex
)

var (
	ErrNoServerRunning = errors.New("no servers are running")
	ErrServerNotFound  = errors.New("server not found")
	ErrServerRunning   = errors.New("server already running at address")
)

const sendPredict = "Predict"

func init() {
	gorpc.RegisterType(PlaneRequest{})
	gorpc.RegisterType(PlaneResponse{})
}

// PlaneRequest is a stack of planes with shape (planes, rows, cols, 1).
type PlaneRequest struct {
	Model string
	Shape []int
	Data  []float32
}

// PlaneResponse holds the (planes, rows, cols, 3) inference result.
type PlaneResponse struct {
	Shape []int
	Data  []float32
}

// NewDispatcher returns the gorpc dispatcher that answers "Predict" calls with the engine.
// Clients build their function client from a dispatcher with a nil engine.
func NewDispatcher(engine predict.Engine) *gorpc.Dispatcher {
	d := gorpc.NewDispatcher()
	d.AddFunc(sendPredict, func(req PlaneRequest) (PlaneResponse, error) {
		cellflow.Debugf("predict request for model %q: %s\n", req.Model, cellflow.ShapeString(req.Shape))
		stack, err := cellflow.VolumeFromData(req.Shape, req.Data)
		if err != nil {
			return PlaneResponse{}, err
		}
		out, err := engine.Predict(context.Background(), stack)
		if err != nil {
			return PlaneResponse{}, err
		}
		return PlaneResponse{Shape: out.Shape, Data: out.Data}, nil
	})
	return d
}

// StartServer starts an inference server at the given address that answers with the
// given engine.  It returns once the server is listening.
func StartServer(address string, engine predict.Engine) error {
	if engine == nil {
		return fmt.Errorf("no inference engine given for server at %s", address)
	}
	gorpc.SetErrorLogger(cellflow.Errorf) // Send gorpc errors to appropriate error log.

	serversMu.Lock()
	defer serversMu.Unlock()
	if _, found := servers[address]; found {
		return ErrServerRunning
	}
	s := gorpc.NewTCPServer(address, NewDispatcher(engine).NewHandlerFunc())
	if err := s.Start(); err != nil {
		return err
	}
	if servers == nil {
		servers = make(map[string]*gorpc.Server)
	}
	servers[address] = s
	cellflow.Infof("Inference server listening at %s\n", address)
	return nil
}

// StopServer halts the given server.
func StopServer(address string) error {
	serversMu.Lock()
	defer serversMu.Unlock()
	if servers == nil {
		return ErrNoServerRunning
	}
	s, found := servers[address]
	if !found {
		return ErrServerNotFound
	}
	delete(servers, address)
	s.Stop()
	return nil
}

// Shutdown halts all RPC servers.
func Shutdown() {
	serversMu.Lock()
	defer serversMu.Unlock()
	for _, s := range servers {
		s.Stop()
	}
	cellflow.Infof("Halted %d RPC servers.\n", len(servers))
	servers = nil
}

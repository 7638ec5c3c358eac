// Package handler is the worker-side runtime: it serves named methods over
// the wire protocol and keeps its registration with the coordinator current.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bellmanhq/bellman/pkg/log"
	"github.com/bellmanhq/bellman/pkg/types"
	"github.com/bellmanhq/bellman/pkg/wire"
)

// MethodFunc implements one named method. The returned map becomes the
// reply's result; a non-nil error produces an error reply.
type MethodFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Runtime serves methods and manages the coordinator registration
type Runtime struct {
	id          string
	address     string // advertised address handlers are dialed on
	coordinator string // coordinator registration endpoint

	mu      sync.Mutex
	methods map[string]MethodFunc

	server *wire.Server
	logger zerolog.Logger
}

// New creates a handler runtime. id names the handler in the registry,
// address is where the coordinator will dial it, coordinator is the
// registration endpoint.
func New(id, address, coordinator string) *Runtime {
	rt := &Runtime{
		id:          id,
		address:     address,
		coordinator: coordinator,
		methods:     make(map[string]MethodFunc),
		logger:      log.WithComponent("handler").With().Str("handler_id", id).Logger(),
	}
	rt.server = wire.NewServer(rt.serve)
	return rt
}

// Register exposes a method under the given name. Registering before Start
// ensures the coordinator sees the full method set.
func (rt *Runtime) Register(name string, fn MethodFunc) {
	rt.mu.Lock()
	rt.methods[name] = fn
	rt.mu.Unlock()
}

// Methods returns the currently exposed method names, sorted
func (rt *Runtime) Methods() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	out := make([]string, 0, len(rt.methods))
	for name := range rt.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// serve answers one wire request. ping is always available; every other
// method must have been registered.
func (rt *Runtime) serve(ctx context.Context, req *wire.Request) wire.Reply {
	if req.Method == "ping" {
		return wire.OK(map[string]any{"pong": true})
	}

	rt.mu.Lock()
	fn, ok := rt.methods[req.Method]
	rt.mu.Unlock()
	if !ok {
		return wire.Fail("unknown method %q", req.Method)
	}

	started := time.Now()
	result, err := fn(ctx, req.Params)
	if err != nil {
		rt.logger.Warn().Err(err).Str("method", req.Method).Msg("method failed")
		return wire.Fail("%v", err)
	}

	rt.logger.Debug().
		Str("method", req.Method).
		Dur("duration", time.Since(started)).
		Msg("method served")
	return wire.OK(result)
}

// Start registers with the coordinator and serves methods on listenAddr,
// blocking until Shutdown. listenAddr and the advertised address differ when
// the handler sits behind NAT or binds a wildcard interface.
func (rt *Runtime) Start(ctx context.Context, listenAddr string) error {
	if err := rt.registerWithCoordinator(ctx); err != nil {
		return err
	}

	rt.logger.Info().
		Str("listen", listenAddr).
		Str("advertised", rt.address).
		Strs("methods", rt.Methods()).
		Msg("handler serving")
	return rt.server.Start(listenAddr)
}

// Shutdown reports the handler offline and stops the method server
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if err := rt.reportStatus(ctx, types.HandlerStatusOffline); err != nil {
		rt.logger.Warn().Err(err).Msg("failed to report offline status")
	}
	return rt.server.Shutdown(ctx)
}

func (rt *Runtime) registerWithCoordinator(ctx context.Context) error {
	reply, err := rt.callCoordinator(ctx, "register", map[string]any{
		"handler_id": rt.id,
		"address":    rt.address,
		"methods":    rt.Methods(),
	})
	if err != nil {
		return fmt.Errorf("failed to register with coordinator: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("coordinator rejected registration: %s", reply.Error)
	}

	rt.logger.Info().Str("coordinator", rt.coordinator).Msg("registered with coordinator")
	return nil
}

func (rt *Runtime) reportStatus(ctx context.Context, status types.HandlerStatus) error {
	reply, err := rt.callCoordinator(ctx, "report_status", map[string]any{
		"handler_id": rt.id,
		"status":     string(status),
	})
	if err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("coordinator rejected status report: %s", reply.Error)
	}
	return nil
}

// callCoordinator performs one short-lived registration call
func (rt *Runtime) callCoordinator(ctx context.Context, method string, params map[string]any) (*wire.Reply, error) {
	client := wire.NewClient(rt.coordinator, wire.ClientOptions{})
	defer client.Terminate()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client.Call(ctx, method, params)
}

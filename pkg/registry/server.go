package registry

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/log"
	"github.com/bellmanhq/bellman/pkg/types"
	"github.com/bellmanhq/bellman/pkg/wire"
)

// Server is the registration endpoint handlers talk to. It decodes
// register/report_status/unregister/ping envelopes and applies them to the
// registry. Malformed messages produce {success:false} without mutating
// any state.
type Server struct {
	registry *Registry
	bus      *events.Bus
	wire     *wire.Server
	logger   zerolog.Logger
}

// NewServer creates a registration server backed by the registry. Handler
// lifecycle changes are announced on the bus.
func NewServer(reg *Registry, bus *events.Bus) *Server {
	s := &Server{
		registry: reg,
		bus:      bus,
		logger:   log.WithComponent("registration"),
	}
	s.wire = wire.NewServer(s.handle)
	return s
}

// Start listens on addr and serves registration traffic. It blocks.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("registration server listening")
	return s.wire.Start(addr)
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	return s.wire.Addr()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.wire.Shutdown(ctx)
}

func (s *Server) handle(ctx context.Context, req *wire.Request) wire.Reply {
	switch req.Method {
	case "register":
		return s.handleRegister(req.Params)
	case "report_status":
		return s.handleReportStatus(req.Params)
	case "unregister":
		return s.handleUnregister(req.Params)
	case "ping":
		return wire.OK(map[string]any{"message": "pong"})
	default:
		return wire.Fail("unknown method %q", req.Method)
	}
}

func (s *Server) handleRegister(params map[string]any) wire.Reply {
	id, _ := params["handler_id"].(string)
	address, _ := params["address"].(string)
	methods, ok := stringSlice(params["methods"])
	if !ok {
		return wire.Fail("methods must be a list of strings")
	}

	if err := s.registry.Register(id, address, methods); err != nil {
		return wire.Fail("register failed: %v", err)
	}

	s.bus.Publish(&events.Event{
		Type:      events.EventHandlerRegistered,
		HandlerID: id,
		Metadata:  map[string]string{"address": address},
	})
	s.logger.Info().
		Str("handler_id", id).
		Str("address", address).
		Strs("methods", methods).
		Msg("handler registered")
	return wire.OK(map[string]any{"handler_id": id})
}

func (s *Server) handleReportStatus(params map[string]any) wire.Reply {
	id, _ := params["handler_id"].(string)
	status, _ := params["status"].(string)
	if id == "" || status == "" {
		return wire.Fail("report_status requires handler_id and status")
	}

	switch types.HandlerStatus(status) {
	case types.HandlerStatusRegistered, types.HandlerStatusConnected,
		types.HandlerStatusDisconnected, types.HandlerStatusOffline:
	default:
		return wire.Fail("unknown status %q", status)
	}

	if err := s.registry.ReportStatus(id, types.HandlerStatus(status)); err != nil {
		return wire.Fail("report_status failed: %v", err)
	}

	if types.HandlerStatus(status) == types.HandlerStatusOffline {
		s.bus.Publish(&events.Event{
			Type:      events.EventHandlerOffline,
			HandlerID: id,
		})
	}
	s.logger.Debug().Str("handler_id", id).Str("status", status).Msg("status reported")
	return wire.OK(nil)
}

func (s *Server) handleUnregister(params map[string]any) wire.Reply {
	id, _ := params["handler_id"].(string)
	if id == "" {
		return wire.Fail("unregister requires handler_id")
	}

	if err := s.registry.Unregister(id); err != nil {
		return wire.Fail("unregister failed: %v", err)
	}

	s.bus.Publish(&events.Event{
		Type:      events.EventHandlerOffline,
		HandlerID: id,
		Message:   "unregistered",
	})
	s.logger.Info().Str("handler_id", id).Msg("handler unregistered")
	return wire.OK(nil)
}

func stringSlice(v any) ([]string, bool) {
	switch xs := v.(type) {
	case []string:
		return xs, true
	case []any:
		out := make([]string, 0, len(xs))
		for _, x := range xs {
			s, ok := x.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}

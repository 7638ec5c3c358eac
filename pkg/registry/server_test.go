package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/types"
	"github.com/bellmanhq/bellman/pkg/wire"
)

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func TestServerHandle(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := NewServer(r, newTestBus(t))

	tests := []struct {
		name        string
		method      string
		params      map[string]any
		wantSuccess bool
	}{
		{
			name:   "register",
			method: "register",
			params: map[string]any{
				"handler_id": "worker1",
				"address":    "127.0.0.1:9100",
				"methods":    []any{"backup", "restore"},
			},
			wantSuccess: true,
		},
		{
			name:        "register without methods list",
			method:      "register",
			params:      map[string]any{"handler_id": "worker2", "address": "127.0.0.1:9101"},
			wantSuccess: false,
		},
		{
			name:        "register with non-string method",
			method:      "register",
			params:      map[string]any{"handler_id": "worker2", "address": "127.0.0.1:9101", "methods": []any{1}},
			wantSuccess: false,
		},
		{
			name:        "report status",
			method:      "report_status",
			params:      map[string]any{"handler_id": "worker1", "status": "offline"},
			wantSuccess: true,
		},
		{
			name:        "report unknown status",
			method:      "report_status",
			params:      map[string]any{"handler_id": "worker1", "status": "zombie"},
			wantSuccess: false,
		},
		{
			name:        "report status for unknown handler",
			method:      "report_status",
			params:      map[string]any{"handler_id": "ghost", "status": "offline"},
			wantSuccess: false,
		},
		{
			name:        "ping",
			method:      "ping",
			params:      nil,
			wantSuccess: true,
		},
		{
			name:        "unknown method",
			method:      "explode",
			params:      nil,
			wantSuccess: false,
		},
		{
			name:        "unregister",
			method:      "unregister",
			params:      map[string]any{"handler_id": "worker1"},
			wantSuccess: true,
		},
		{
			name:        "unregister again",
			method:      "unregister",
			params:      map[string]any{"handler_id": "worker1"},
			wantSuccess: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := s.handle(context.Background(), &wire.Request{Method: tt.method, Params: tt.params})
			assert.Equal(t, tt.wantSuccess, reply.Success, "error: %s", reply.Error)
		})
	}
}

func TestServerPublishesLifecycleEvents(t *testing.T) {
	r, _ := newTestRegistry(t)
	bus := newTestBus(t)
	sub := bus.Subscribe()
	s := NewServer(r, bus)

	next := func() *events.Event {
		select {
		case ev := <-sub:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("no event received")
			return nil
		}
	}

	reply := s.handle(context.Background(), &wire.Request{Method: "register", Params: map[string]any{
		"handler_id": "worker1",
		"address":    "127.0.0.1:9100",
		"methods":    []any{"backup"},
	}})
	require.True(t, reply.Success, "error: %s", reply.Error)

	ev := next()
	assert.Equal(t, events.EventHandlerRegistered, ev.Type)
	assert.Equal(t, "worker1", ev.HandlerID)
	assert.Equal(t, "127.0.0.1:9100", ev.Metadata["address"])

	// Only the offline status is announced
	reply = s.handle(context.Background(), &wire.Request{Method: "report_status", Params: map[string]any{
		"handler_id": "worker1", "status": "connected",
	}})
	require.True(t, reply.Success, "error: %s", reply.Error)

	reply = s.handle(context.Background(), &wire.Request{Method: "report_status", Params: map[string]any{
		"handler_id": "worker1", "status": "offline",
	}})
	require.True(t, reply.Success, "error: %s", reply.Error)

	ev = next()
	assert.Equal(t, events.EventHandlerOffline, ev.Type)
	assert.Equal(t, "worker1", ev.HandlerID)

	reply = s.handle(context.Background(), &wire.Request{Method: "unregister", Params: map[string]any{
		"handler_id": "worker1",
	}})
	require.True(t, reply.Success, "error: %s", reply.Error)

	ev = next()
	assert.Equal(t, events.EventHandlerOffline, ev.Type)
	assert.Equal(t, "unregistered", ev.Message)

	// A failed register must not publish
	reply = s.handle(context.Background(), &wire.Request{Method: "register", Params: map[string]any{
		"handler_id": "worker2", "address": "127.0.0.1:9101",
	}})
	require.False(t, reply.Success)
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerRegisterOverWire(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := NewServer(r, newTestBus(t))

	go func() { _ = s.Start("127.0.0.1:0") }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, s.Addr())

	client := wire.NewClient(s.Addr(), wire.ClientOptions{CallTimeout: 2 * time.Second})
	defer client.Terminate()
	require.NoError(t, client.Connect(context.Background()))

	reply, err := client.Call(context.Background(), "register", map[string]any{
		"handler_id": "worker1",
		"address":    "127.0.0.1:9100",
		"methods":    []string{"backup"},
	})
	require.NoError(t, err)
	assert.True(t, reply.Success, "error: %s", reply.Error)

	h, err := r.Get("worker1")
	require.NoError(t, err)
	assert.Equal(t, types.HandlerStatusRegistered, h.Status)
	assert.Equal(t, []string{"backup"}, h.Methods)
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bellmanhq/bellman/pkg/log"
	"github.com/bellmanhq/bellman/pkg/metrics"
	"github.com/bellmanhq/bellman/pkg/types"
	"github.com/bellmanhq/bellman/pkg/wire"
)

var (
	// ErrNotFound indicates the handler id is not registered
	ErrNotFound = errors.New("registry: handler not found")

	// ErrUnavailable indicates no usable wire client could be produced
	ErrUnavailable = errors.New("registry: handler unavailable")
)

// probeTimeout bounds the quick liveness ping of a cached client
const probeTimeout = 2 * time.Second

// registryFile is the on-disk shape: identity, endpoint and methods only.
// Cached wire clients are runtime state and never serialized.
type registryFile struct {
	Handlers map[string]*types.Handler `yaml:"handlers"`
}

// Registry is the authoritative map of handlers. The in-memory map holds
// the live view; the YAML file persists identity, address, methods and the
// last reported status across restarts. Wire clients are cached in a
// parallel map keyed by handler id and reconstructed lazily.
type Registry struct {
	filePath   string
	clientOpts wire.ClientOptions

	mu       sync.Mutex
	handlers map[string]*types.Handler
	clients  map[string]*wire.Client
}

// NewRegistry creates a registry backed by the given file. An existing
// file is loaded with every entry reset to status registered and no cached
// client, until the first successful probe.
func NewRegistry(filePath string, clientOpts wire.ClientOptions) (*Registry, error) {
	r := &Registry{
		filePath:   filePath,
		clientOpts: clientOpts,
		handlers:   make(map[string]*types.Handler),
		clients:    make(map[string]*wire.Client),
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}
	for id, h := range file.Handlers {
		h.ID = id
		h.Status = types.HandlerStatusRegistered
		r.handlers[id] = h
	}
	r.updateGaugeLocked()

	logger := log.WithComponent("registry")
	logger.Info().
		Int("handlers", len(r.handlers)).
		Str("file", filePath).
		Msg("registry loaded")
	return r, nil
}

// updateGaugeLocked recounts handlers per status. All statuses are set,
// absent ones to zero, so a handler changing state never leaves a stale
// series behind. Callers hold r.mu.
func (r *Registry) updateGaugeLocked() {
	counts := make(map[types.HandlerStatus]int)
	for _, h := range r.handlers {
		counts[h.Status]++
	}
	for _, status := range []types.HandlerStatus{
		types.HandlerStatusRegistered,
		types.HandlerStatusConnected,
		types.HandlerStatusDisconnected,
		types.HandlerStatusOffline,
	} {
		metrics.HandlersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Register upserts a handler entry. A changed address invalidates any
// cached wire client before the new entry is persisted.
func (r *Registry) Register(id, address string, methods []string) error {
	if id == "" {
		return fmt.Errorf("handler_id must not be empty")
	}
	if address == "" {
		return fmt.Errorf("address must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, ok := r.handlers[id]
	if ok {
		if existing.Address != address {
			if client := r.clients[id]; client != nil {
				client.Terminate()
				delete(r.clients, id)
			}
		}
		existing.Address = address
		existing.Methods = methods
		existing.LastUpdated = now
		existing.Status = types.HandlerStatusRegistered
	} else {
		r.handlers[id] = &types.Handler{
			ID:           id,
			Address:      address,
			Methods:      methods,
			RegisteredAt: now,
			LastUpdated:  now,
			Status:       types.HandlerStatusRegistered,
		}
	}

	r.updateGaugeLocked()
	return r.saveLocked()
}

// ReportStatus updates the liveness fields of a handler
func (r *Registry) ReportStatus(id string, status types.HandlerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	h.Status = status
	h.LastUpdated = time.Now()

	if status == types.HandlerStatusOffline || status == types.HandlerStatusDisconnected {
		if client := r.clients[id]; client != nil {
			client.Terminate()
			delete(r.clients, id)
		}
	}
	r.updateGaugeLocked()
	return r.saveLocked()
}

// Unregister removes a handler entry and its cached client
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.handlers, id)
	if client := r.clients[id]; client != nil {
		client.Terminate()
		delete(r.clients, id)
	}
	r.updateGaugeLocked()
	return r.saveLocked()
}

// Get returns a copy of one handler entry
func (r *Registry) Get(id string) (*types.Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *h
	return &copied, nil
}

// GetClient returns the cached wire client for a handler, constructing one
// when absent or when the quick liveness probe of the cached client fails.
// The blocking connect happens outside the registry lock; a racing
// construction keeps the winner's client and discards the loser's.
func (r *Registry) GetClient(ctx context.Context, id string) (*wire.Client, error) {
	r.mu.Lock()
	h, ok := r.handlers[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	address := h.Address
	cached := r.clients[id]
	r.mu.Unlock()

	if cached != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := cached.Ping(probeCtx)
		cancel()
		if err == nil {
			return cached, nil
		}

		// Probe failure leaves the entry; only the cached client is dropped
		r.mu.Lock()
		if r.clients[id] == cached {
			cached.Terminate()
			delete(r.clients, id)
			if h, ok := r.handlers[id]; ok {
				h.Status = types.HandlerStatusDisconnected
			}
			r.updateGaugeLocked()
		}
		r.mu.Unlock()
	}

	client := wire.NewClient(address, r.clientOpts)
	if err := client.Connect(ctx); err != nil {
		client.Terminate()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok = r.handlers[id]
	if !ok {
		client.Terminate()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if h.Address != address {
		client.Terminate()
		return nil, fmt.Errorf("%w: %s re-registered during connect", ErrUnavailable, id)
	}
	if winner := r.clients[id]; winner != nil {
		client.Terminate()
		return winner, nil
	}

	r.clients[id] = client
	h.Status = types.HandlerStatusConnected
	h.LastUpdated = time.Now()
	r.updateGaugeLocked()
	return client, nil
}

// List returns a snapshot of all handler entries
func (r *Registry) List() []*types.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		copied := *h
		out = append(out, &copied)
	}
	return out
}

// CloseAll releases every cached client; used at shutdown
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, client := range r.clients {
		client.Terminate()
		delete(r.clients, id)
	}
}

// saveLocked persists the handler map atomically (write-temp-rename).
// Callers hold r.mu.
func (r *Registry) saveLocked() error {
	if r.filePath == "" {
		return nil
	}

	data, err := yaml.Marshal(registryFile{Handlers: r.handlers})
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close registry file: %w", err)
	}
	if err := os.Rename(tmpName, r.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

// Package broker connects coordinator instances over redis pub/sub. Each
// instance publishes heartbeats and domain events on a shared topic; the
// instance with the lowest pid among live peers acts as leader.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/log"
	"github.com/bellmanhq/bellman/pkg/metrics"
)

const (
	// DefaultTopic is the shared pub/sub channel
	DefaultTopic = "bellman.cluster"

	// DefaultHeartbeatInterval paces heartbeats; peers are evicted after
	// three missed intervals
	DefaultHeartbeatInterval = 5 * time.Second

	missedBeatsBeforeEviction = 3
)

// message types on the wire
const (
	msgHeartbeat = "heartbeat"
	msgShutdown  = "shutdown"
	msgEvent     = "event"
)

// envelope is the JSON frame exchanged on the topic
type envelope struct {
	Type       string        `json:"type"`
	InstanceID string        `json:"instance_id"`
	PID        int           `json:"pid"`
	Address    string        `json:"address,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Event      *events.Event `json:"event,omitempty"`
}

type member struct {
	pid      int
	lastSeen time.Time
}

// Config tunes the broker connection
type Config struct {
	RedisAddr         string
	Topic             string
	InstanceID        string
	PID               int
	Address           string // advertised HTTP address, carried on heartbeats
	HeartbeatInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Broker bridges the local event bus to the cluster topic and runs the
// membership and election loops
type Broker struct {
	cfg    Config
	client *redis.Client
	pubsub *redis.PubSub
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	alive   map[string]member
	leader  bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBroker connects to redis and subscribes to the cluster topic. The
// returned broker is idle until Start is called.
func NewBroker(ctx context.Context, cfg Config, bus *events.Bus) (*Broker, error) {
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	b := &Broker{
		cfg:    cfg,
		client: client,
		pubsub: client.Subscribe(ctx, cfg.Topic),
		bus:    bus,
		logger: log.WithComponent("broker"),
		alive:  make(map[string]member),
		stopCh: make(chan struct{}),
	}

	// An instance is always a member of its own view
	b.alive[cfg.InstanceID] = member{pid: cfg.PID, lastSeen: time.Now()}
	b.elect()

	return b, nil
}

// Start launches the subscribe, heartbeat, forward and cleanup loops
func (b *Broker) Start(ctx context.Context) {
	b.wg.Add(4)
	go b.subscribeLoop(ctx)
	go b.heartbeatLoop(ctx)
	go b.forwardLoop(ctx)
	go b.cleanupLoop()

	b.logger.Info().
		Str("topic", b.cfg.Topic).
		Str("instance_id", b.cfg.InstanceID).
		Int("pid", b.cfg.PID).
		Dur("heartbeat", b.cfg.HeartbeatInterval).
		Msg("broker started")
}

// Stop announces departure, stops the loops and closes the connection
func (b *Broker) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		b.publish(ctx, &envelope{
			Type:       msgShutdown,
			InstanceID: b.cfg.InstanceID,
			PID:        b.cfg.PID,
			Timestamp:  time.Now(),
		})

		close(b.stopCh)
		_ = b.pubsub.Close()
		b.wg.Wait()
		_ = b.client.Close()
		b.logger.Info().Msg("broker stopped")
	})
}

// IsLeader reports whether this instance currently holds leadership
func (b *Broker) IsLeader() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leader
}

// Peers returns the instance IDs currently considered alive, self included
func (b *Broker) Peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.alive))
	for id := range b.alive {
		out = append(out, id)
	}
	return out
}

// PublishEvent sends a locally originated event to the cluster topic
func (b *Broker) PublishEvent(ctx context.Context, ev *events.Event) {
	b.publish(ctx, &envelope{
		Type:       msgEvent,
		InstanceID: b.cfg.InstanceID,
		PID:        b.cfg.PID,
		Timestamp:  time.Now(),
		Event:      ev,
	})
}

func (b *Broker) publish(ctx context.Context, env *envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to encode broker message")
		return
	}
	if err := b.client.Publish(ctx, b.cfg.Topic, data).Err(); err != nil {
		b.logger.Warn().Err(err).Str("type", env.Type).Msg("failed to publish broker message")
	}
}

// subscribeLoop consumes the cluster topic until the pubsub is closed
func (b *Broker) subscribeLoop(ctx context.Context) {
	defer b.wg.Done()

	ch := b.pubsub.Channel()
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Warn().Err(err).Msg("dropping malformed broker message")
			continue
		}
		if env.InstanceID == b.cfg.InstanceID {
			continue // own message echoed back
		}
		b.handleMessage(ctx, &env)
	}
}

func (b *Broker) handleMessage(_ context.Context, env *envelope) {
	switch env.Type {
	case msgHeartbeat:
		b.markAlive(env.InstanceID, env.PID)

	case msgShutdown:
		b.mu.Lock()
		if _, ok := b.alive[env.InstanceID]; ok {
			delete(b.alive, env.InstanceID)
			b.electLocked()
		}
		b.mu.Unlock()
		b.logger.Info().Str("instance_id", env.InstanceID).Msg("peer announced shutdown")

	case msgEvent:
		if env.Event == nil {
			return
		}
		b.markAlive(env.InstanceID, env.PID)
		// Stamp the origin so forwardLoop does not bounce it back out
		if env.Event.Metadata == nil {
			env.Event.Metadata = make(map[string]string)
		}
		env.Event.Metadata["origin"] = env.InstanceID
		b.bus.Publish(env.Event)

	default:
		b.logger.Debug().Str("type", env.Type).Msg("ignoring unknown broker message type")
	}
}

// markAlive records a sign of life from a peer and re-elects when the
// membership view changed
func (b *Broker) markAlive(instanceID string, pid int) {
	b.mu.Lock()
	_, known := b.alive[instanceID]
	b.alive[instanceID] = member{pid: pid, lastSeen: time.Now()}
	if !known {
		b.electLocked()
	}
	b.mu.Unlock()

	if !known {
		b.logger.Info().Str("instance_id", instanceID).Int("pid", pid).Msg("peer joined")
	}
}

// heartbeatLoop publishes a heartbeat every interval
func (b *Broker) heartbeatLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.publish(ctx, &envelope{
				Type:       msgHeartbeat,
				InstanceID: b.cfg.InstanceID,
				PID:        b.cfg.PID,
				Address:    b.cfg.Address,
				Timestamp:  time.Now(),
			})
		case <-b.stopCh:
			return
		}
	}
}

// forwardLoop relays locally originated bus events to the cluster topic
func (b *Broker) forwardLoop(ctx context.Context) {
	defer b.wg.Done()

	sub := b.bus.Subscribe()
	defer b.bus.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Metadata != nil && ev.Metadata["origin"] != "" && ev.Metadata["origin"] != b.cfg.InstanceID {
				continue // came in from the cluster, do not bounce it
			}
			b.PublishEvent(ctx, ev)
		case <-b.stopCh:
			return
		}
	}
}

// cleanupLoop evicts peers whose heartbeats stopped
func (b *Broker) cleanupLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(2 * b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.evictStale(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) evictStale(now time.Time) {
	deadline := time.Duration(missedBeatsBeforeEviction) * b.cfg.HeartbeatInterval

	b.mu.Lock()
	var evicted []string
	for id, m := range b.alive {
		if id == b.cfg.InstanceID {
			continue
		}
		if now.Sub(m.lastSeen) > deadline {
			delete(b.alive, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		b.electLocked()
	}
	b.mu.Unlock()

	for _, id := range evicted {
		b.logger.Warn().Str("instance_id", id).Msg("peer evicted, heartbeats stopped")
	}
}

func (b *Broker) elect() {
	b.mu.Lock()
	b.electLocked()
	b.mu.Unlock()
}

// electLocked recomputes leadership: the live member with the lowest pid
// leads, instance ID breaking pid ties. Callers hold b.mu.
func (b *Broker) electLocked() {
	leaderID := ""
	leaderPID := 0
	for id, m := range b.alive {
		if leaderID == "" || m.pid < leaderPID || (m.pid == leaderPID && id < leaderID) {
			leaderID = id
			leaderPID = m.pid
		}
	}

	wasLeader := b.leader
	b.leader = leaderID == b.cfg.InstanceID

	metrics.AliveInstances.Set(float64(len(b.alive)))
	if b.leader {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}

	if b.leader != wasLeader {
		if b.leader {
			b.logger.Info().Int("pid", b.cfg.PID).Msg("assumed leadership")
		} else {
			b.logger.Info().Str("leader", leaderID).Int("leader_pid", leaderPID).Msg("yielded leadership")
		}
	}
}

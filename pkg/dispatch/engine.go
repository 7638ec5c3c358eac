package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/execlog"
	"github.com/bellmanhq/bellman/pkg/log"
	"github.com/bellmanhq/bellman/pkg/metrics"
	"github.com/bellmanhq/bellman/pkg/registry"
	"github.com/bellmanhq/bellman/pkg/store"
	"github.com/bellmanhq/bellman/pkg/types"
)

// State is the engine lifecycle: Running -> Draining -> Stopped
type State string

const (
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// ErrDraining is returned when new work is refused during shutdown
var ErrDraining = errors.New("dispatch: engine is draining")

// Config tunes the dispatch engine
type Config struct {
	InstanceID string

	// Planner
	TickInterval   time.Duration // planner poll interval, <= 1s
	Batch          int           // max schedules claimed per tick
	ClaimLease     time.Duration // claim lease on acquired schedules
	CoalesceAllCap int           // max materializations per acquire for coalesce=all

	// Runner
	Workers     int
	QueueSize   int
	CallTimeout time.Duration // per wire call

	// Retry
	DefaultMaxAttempts int
	RetryBase          time.Duration
	RetryFactor        float64
	RetryJitter        float64
	RetryFloor         time.Duration

	// Shutdown
	DrainDeadline time.Duration
}

// DefaultConfig returns the stock engine tuning
func DefaultConfig(instanceID string) Config {
	return Config{
		InstanceID:         instanceID,
		TickInterval:       500 * time.Millisecond,
		Batch:              50,
		ClaimLease:         15 * time.Second,
		CoalesceAllCap:     100,
		Workers:            8,
		QueueSize:          256,
		CallTimeout:        30 * time.Second,
		DefaultMaxAttempts: 3,
		RetryBase:          time.Second,
		RetryFactor:        2.0,
		RetryJitter:        0.5,
		RetryFloor:         100 * time.Millisecond,
		DrainDeadline:      30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(c.InstanceID)
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = d.ClaimLease
	}
	if c.CoalesceAllCap <= 0 {
		c.CoalesceAllCap = d.CoalesceAllCap
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.RetryFactor <= 1 {
		c.RetryFactor = d.RetryFactor
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = d.RetryJitter
	}
	if c.RetryFloor <= 0 {
		c.RetryFloor = d.RetryFloor
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = d.DrainDeadline
	}
}

// RunResult is delivered to run-now callers when their job reaches a
// terminal state
type RunResult struct {
	Job    *types.Job
	Result map[string]any
	Err    error
}

// Engine owns the in-flight job set. The planner claims due schedules and
// materializes job instances; the runner pool dispatches them to handlers
// and applies the retry policy.
type Engine struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	execLog  *execlog.Log
	bus      *events.Bus
	logger   zerolog.Logger

	jobCh   chan *types.Job
	drainCh chan struct{} // closed on Draining; releases blocked enqueues

	plannerStop chan struct{}
	plannerWG   sync.WaitGroup
	workerWG    sync.WaitGroup
	timerWG     sync.WaitGroup

	mu           sync.Mutex
	state        State
	handlerLocks map[string]*sync.Mutex
	waiters      map[string]chan RunResult
	backoffs     map[string]retryPolicy
}

// NewEngine creates a dispatch engine. Call Start to begin planning.
func NewEngine(cfg Config, st store.Store, reg *registry.Registry, execLog *execlog.Log, bus *events.Bus) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:          cfg,
		store:        st,
		registry:     reg,
		execLog:      execLog,
		bus:          bus,
		logger:       log.WithComponent("dispatch"),
		jobCh:        make(chan *types.Job, cfg.QueueSize),
		drainCh:      make(chan struct{}),
		plannerStop:  make(chan struct{}),
		state:        StateRunning,
		handlerLocks: make(map[string]*sync.Mutex),
		waiters:      make(map[string]chan RunResult),
		backoffs:     make(map[string]retryPolicy),
	}
}

// Start launches the planner loop and the runner pool
func (e *Engine) Start() {
	e.plannerWG.Add(1)
	go e.plannerLoop()

	for i := 0; i < e.cfg.Workers; i++ {
		e.workerWG.Add(1)
		go e.workerLoop()
	}

	e.logger.Info().
		Int("workers", e.cfg.Workers).
		Dur("tick", e.cfg.TickInterval).
		Msg("dispatch engine started")
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stop drains the engine: no new claims or submissions are accepted,
// in-flight attempts run to their own timeouts, and queued jobs are
// processed until the queue empties or the drain deadline elapses.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StateDraining
	e.mu.Unlock()

	e.logger.Info().Msg("dispatch engine draining")
	close(e.drainCh)

	// Planner first, then retry timers: both are producers into jobCh.
	// No new timers start once the state left Running.
	close(e.plannerStop)
	e.plannerWG.Wait()
	e.timerWG.Wait()

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.DrainDeadline):
		e.logger.Warn().Dur("deadline", e.cfg.DrainDeadline).Msg("drain deadline elapsed, releasing resources")
	}

	e.mu.Lock()
	e.state = StateStopped
	for id, ch := range e.waiters {
		ch <- RunResult{Err: ErrDraining}
		delete(e.waiters, id)
	}
	e.mu.Unlock()

	e.logger.Info().Msg("dispatch engine stopped")
}

// RunNow enqueues a one-off job bypassing the schedule store and waits for
// its terminal state. Retries apply as for scheduled jobs.
func (e *Engine) RunNow(ctx context.Context, handlerID, method string, params map[string]any) (RunResult, error) {
	if _, err := e.registry.Get(handlerID); err != nil {
		return RunResult{}, err
	}

	job := &types.Job{
		ID:           newID(),
		HandlerID:    handlerID,
		Method:       method,
		Params:       params,
		ScheduledFor: time.Now(),
		CreatedAt:    time.Now(),
		Attempt:      1,
		MaxAttempts:  e.cfg.DefaultMaxAttempts,
		State:        types.JobStateQueued,
	}
	if err := e.store.PutJob(job); err != nil {
		return RunResult{}, fmt.Errorf("failed to persist job: %w", err)
	}

	resultCh := make(chan RunResult, 1)
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return RunResult{}, ErrDraining
	}
	e.waiters[job.ID] = resultCh
	e.mu.Unlock()

	if !e.enqueue(job) {
		e.dropWaiter(job.ID)
		return RunResult{}, ErrDraining
	}

	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		e.dropWaiter(job.ID)
		return RunResult{}, ctx.Err()
	}
}

// enqueue pushes a job into the runner queue, blocking until there is room
// or the engine starts draining
func (e *Engine) enqueue(job *types.Job) bool {
	select {
	case e.jobCh <- job:
		metrics.QueueDepth.Set(float64(len(e.jobCh)))
		e.bus.Publish(&events.Event{
			Type:       events.EventJobQueued,
			JobID:      job.ID,
			ScheduleID: job.ScheduleID,
			HandlerID:  job.HandlerID,
		})
		return true
	case <-e.drainCh:
		return false
	}
}

func (e *Engine) dropWaiter(jobID string) {
	e.mu.Lock()
	delete(e.waiters, jobID)
	e.mu.Unlock()
}

func (e *Engine) notifyWaiter(jobID string, res RunResult) {
	e.mu.Lock()
	ch, ok := e.waiters[jobID]
	if ok {
		delete(e.waiters, jobID)
	}
	e.mu.Unlock()
	if ok {
		ch <- res
	}
}

// handlerLock serializes dispatch to one handler across the worker pool
func (e *Engine) handlerLock(handlerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.handlerLocks[handlerID]
	if !ok {
		l = &sync.Mutex{}
		e.handlerLocks[handlerID] = l
	}
	return l
}

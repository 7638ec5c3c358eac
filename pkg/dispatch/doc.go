/*
Package dispatch runs the scheduling engine: the planner that turns due
schedules into jobs and the worker pool that executes them against remote
handlers.

# Architecture

The engine wires two loops around a bounded job queue:

	┌────────────────────────────────────────────────────────────┐
	│                     Planner Loop                           │
	│                  (every Tick, default 500ms)               │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. AcquireDue(now, Batch): claim due schedules with a    │
	│     lease so concurrent planners never double-fire          │
	│  2. Enumerate missed fires since the last one              │
	│  3. Split by misfire grace: too-old fires become           │
	│     misfire records, in-grace fires are coalesced          │
	│  4. Materialize jobs, apply jitter to the next fire        │
	│  5. Release the claim with the advanced fire time          │
	└────────────────┬───────────────────────────────────────────┘
	                 │ job channel (QueueSize)
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│                   Worker Pool (Workers)                    │
	│  - one wire call per job, serialized per handler           │
	│  - failures re-enter the queue after a backoff delay       │
	│  - every attempt is recorded in the execution log and      │
	│    mirrored to the durable job_results bucket              │
	└────────────────────────────────────────────────────────────┘

# Coalescing and misfires

A schedule that was unreachable for a while has a backlog of fire times.
Fires older than the schedule's misfire grace window are dropped and logged
as misfires. The in-grace remainder collapses per the coalesce policy:
latest keeps the newest fire, earliest the oldest, all materializes every
fire up to a per-acquire cap.

# Retries

Failed attempts retry with exponential backoff (base 1s, factor 2, up to
50% randomization, floored at 100ms) until MaxAttempts is exhausted. The
retry timer re-enqueues the job through the same queue the planner uses,
so retries and fresh jobs share the worker pool fairly.

# Shutdown

Stop moves the engine to Draining: the planner stops claiming, retry
timers refuse to start, workers finish the queued backlog, and run-now
waiters are failed with ErrDraining. Workers that outlive DrainDeadline
are abandoned.

# Usage

	engine := dispatch.NewEngine(dispatch.DefaultConfig(instanceID), store, registry, execLog, bus)
	engine.Start()
	defer engine.Stop()

	res, err := engine.RunNow(ctx, "worker1", "backup", params)
*/
package dispatch

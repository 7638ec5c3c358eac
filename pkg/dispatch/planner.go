package dispatch

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/metrics"
	"github.com/bellmanhq/bellman/pkg/trigger"
	"github.com/bellmanhq/bellman/pkg/types"
)

func newID() string {
	return uuid.New().String()
}

// plannerLoop periodically claims due schedules and materializes job
// instances. Errors are logged and the loop continues; the planner never
// aborts the process.
func (e *Engine) plannerLoop() {
	defer e.plannerWG.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			started := time.Now()
			if err := e.plan(time.Now()); err != nil {
				e.logger.Error().Err(err).Msg("planner cycle failed")
			}
			metrics.PlannerTickDuration.Observe(time.Since(started).Seconds())
		case <-e.plannerStop:
			return
		}
	}
}

// plan performs one planning cycle at the given instant
func (e *Engine) plan(now time.Time) error {
	due, err := e.store.AcquireDue(now, e.cfg.Batch, e.cfg.InstanceID, e.cfg.ClaimLease)
	if err != nil {
		return err
	}
	if len(due) > 0 {
		metrics.SchedulesAcquired.Add(float64(len(due)))
	}

	for _, schedule := range due {
		if err := e.processSchedule(schedule, now); err != nil {
			e.logger.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
	return nil
}

// processSchedule enumerates the schedule's overdue fires, applies the
// misfire and coalesce policies, advances next_fire_time and enqueues the
// materialized jobs
func (e *Engine) processSchedule(schedule *types.Schedule, now time.Time) error {
	fires, next, truncatedAt, err := e.enumerateFires(schedule, now)
	if err != nil {
		// A trigger that no longer evaluates cannot fire again; exhaust it
		e.logger.Error().Err(err).Str("schedule_id", schedule.ID).Msg("trigger evaluation failed, removing schedule")
		return e.store.Release(schedule.ID, nil)
	}

	materialize, misfired := e.splitFires(schedule, fires, now)
	if truncatedAt != nil {
		// Backlog beyond the cap is dropped; one misfire record stands in
		// for the whole truncated remainder
		misfired = append(misfired, *truncatedAt)
	}

	for _, fireAt := range misfired {
		rec := e.execLog.RecordMisfire(schedule.ID, schedule.HandlerID, schedule.Method, fireAt)
		// Misfires have no job instance; the durable copy gets a synthetic
		// id keyed on the fire time so each misfire keeps its own row
		rec.JobID = fmt.Sprintf("misfire-%s-%d", schedule.ID, fireAt.UnixNano())
		_ = e.store.PutJobResult(&rec)
		metrics.Misfires.Inc()
		e.bus.Publish(&events.Event{
			Type:       events.EventJobMisfired,
			ScheduleID: schedule.ID,
			HandlerID:  schedule.HandlerID,
			Message:    rec.Error,
		})
	}

	// Jitter shifts the stored fire time; the evaluator itself stays pure
	if next != nil && schedule.MaxJitter > 0 {
		jittered := next.Add(time.Duration(rand.Float64() * float64(schedule.MaxJitter)))
		next = &jittered
	}

	if err := e.store.Release(schedule.ID, next); err != nil {
		return err
	}
	if next == nil {
		e.bus.Publish(&events.Event{
			Type:       events.EventScheduleExhausted,
			ScheduleID: schedule.ID,
			HandlerID:  schedule.HandlerID,
		})
	}

	for _, fireAt := range materialize {
		job := &types.Job{
			ID:           newID(),
			ScheduleID:   schedule.ID,
			HandlerID:    schedule.HandlerID,
			Method:       schedule.Method,
			Params:       schedule.Params,
			ScheduledFor: fireAt,
			CreatedAt:    now,
			Attempt:      1,
			MaxAttempts:  schedule.MaxAttempts,
			State:        types.JobStateQueued,
		}
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = e.cfg.DefaultMaxAttempts
		}
		if err := e.store.PutJob(job); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job")
			continue
		}
		if !e.enqueue(job) {
			return nil // draining
		}
	}
	return nil
}

// enumerateFires walks the trigger from the stored next_fire_time through
// now, bounded by the coalesce cap, and computes the first future fire.
// When the cap truncates a very deep backlog the remainder is dropped and
// the schedule advances past now; the first dropped fire time is returned
// so the planner can record the loss.
func (e *Engine) enumerateFires(schedule *types.Schedule, now time.Time) ([]time.Time, *time.Time, *time.Time, error) {
	if schedule.NextFireTime == nil {
		return nil, nil, nil, nil
	}

	var fires []time.Time
	fire := *schedule.NextFireTime
	for !fire.After(now) {
		if len(fires) >= e.cfg.CoalesceAllCap {
			truncatedAt := fire
			next, err := trigger.Next(schedule.Trigger, now)
			if err != nil {
				return nil, nil, nil, err
			}
			return fires, next, &truncatedAt, nil
		}
		fires = append(fires, fire)

		next, err := trigger.NextAfterFire(schedule.Trigger, fire)
		if err != nil {
			return nil, nil, nil, err
		}
		if next == nil {
			return fires, nil, nil, nil
		}
		fire = *next
	}
	return fires, &fire, nil, nil
}

// splitFires partitions overdue fires into the set to materialize and the
// set recorded as misfires, per the schedule's grace and coalesce policy.
// A zero grace means unlimited: no fire is ever too late to run.
func (e *Engine) splitFires(schedule *types.Schedule, fires []time.Time, now time.Time) (materialize, misfired []time.Time) {
	var inGrace []time.Time
	for _, fireAt := range fires {
		if schedule.MisfireGraceTime > 0 && now.Sub(fireAt) > schedule.MisfireGraceTime {
			misfired = append(misfired, fireAt)
		} else {
			inGrace = append(inGrace, fireAt)
		}
	}
	if len(inGrace) == 0 {
		return nil, misfired
	}

	// Collapsed in-grace fires are silently coalesced; only grace
	// violations get misfire records
	switch schedule.Coalesce {
	case types.CoalesceAll:
		materialize = inGrace
	case types.CoalesceEarliest:
		materialize = inGrace[:1]
	default: // latest
		materialize = inGrace[len(inGrace)-1:]
	}
	return materialize, misfired
}

package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bellmanhq/bellman/pkg/events"
	"github.com/bellmanhq/bellman/pkg/execlog"
	"github.com/bellmanhq/bellman/pkg/metrics"
	"github.com/bellmanhq/bellman/pkg/types"
)

// retryPolicy produces successive retry delays for one job
type retryPolicy interface {
	NextBackOff() time.Duration
}

// newRetryPolicy builds the per-job exponential backoff:
// delay_k = base * factor^(k-1) * (1 +- jitter), floored at RetryFloor
func (e *Engine) newRetryPolicy() retryPolicy {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryBase
	bo.Multiplier = e.cfg.RetryFactor
	bo.RandomizationFactor = e.cfg.RetryJitter
	bo.MaxInterval = 10 * time.Minute
	bo.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts, not time
	bo.Reset()
	return bo
}

// retryDelay returns the next delay for the job, creating its policy on
// first failure and discarding it at terminal state
func (e *Engine) retryDelay(jobID string) time.Duration {
	e.mu.Lock()
	policy, ok := e.backoffs[jobID]
	if !ok {
		policy = e.newRetryPolicy()
		e.backoffs[jobID] = policy
	}
	e.mu.Unlock()

	delay := policy.NextBackOff()
	if delay < e.cfg.RetryFloor {
		delay = e.cfg.RetryFloor
	}
	return delay
}

func (e *Engine) dropRetryPolicy(jobID string) {
	e.mu.Lock()
	delete(e.backoffs, jobID)
	e.mu.Unlock()
}

// workerLoop consumes the job queue; on drain it empties the backlog and
// exits. The queue channel is never closed, so late producers cannot panic.
func (e *Engine) workerLoop() {
	defer e.workerWG.Done()

	for {
		select {
		case job := <-e.jobCh:
			metrics.QueueDepth.Set(float64(len(e.jobCh)))
			e.runJob(job)
		case <-e.drainCh:
			for {
				select {
				case job := <-e.jobCh:
					metrics.QueueDepth.Set(float64(len(e.jobCh)))
					e.runJob(job)
				default:
					return
				}
			}
		}
	}
}

// runJob executes one attempt of a job against its handler. Exactly one
// execution record is started and finalized per attempt.
func (e *Engine) runJob(job *types.Job) {
	// Calls to the same handler are strictly serialized; the wire client
	// enforces one outstanding request, this keeps the queue fair too
	lock := e.handlerLock(job.HandlerID)
	lock.Lock()
	defer lock.Unlock()

	job.State = types.JobStateRunning
	if err := e.store.PutJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
	}

	handle := e.execLog.RecordStart(job.ID, job.ScheduleID, job.HandlerID, job.Method, job.Attempt, job.MaxAttempts, job.Params)
	started := time.Now()

	result, attemptErr := e.callHandler(job)
	metrics.AttemptDuration.WithLabelValues(job.HandlerID).Observe(time.Since(started).Seconds())

	if attemptErr == nil {
		e.execLog.RecordSuccess(handle, result)
		rec := e.execLog.Snapshot(handle)
		_ = e.store.PutJobResult(&rec)
		e.finishJob(job, types.JobStateSucceeded, "", result)
		return
	}
	e.failAttempt(job, handle, attemptErr)
}

// callHandler performs the wire call for one attempt. The authoritative
// method check happens here, at call time: handlers re-register and their
// method set drifts.
func (e *Engine) callHandler(job *types.Job) (map[string]any, error) {
	handler, err := e.registry.Get(job.HandlerID)
	if err != nil {
		return nil, fmt.Errorf("handler unavailable: %w", err)
	}
	if !handler.HasMethod(job.Method) {
		return nil, fmt.Errorf("method %q not exposed by handler %s", job.Method, job.HandlerID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallTimeout)
	defer cancel()

	client, err := e.registry.GetClient(ctx, job.HandlerID)
	if err != nil {
		return nil, fmt.Errorf("handler unavailable: %w", err)
	}

	reply, err := client.Call(ctx, job.Method, job.Params)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("handler error: %s", reply.Error)
	}
	return reply.Result, nil
}

// failAttempt feeds a transient failure into the retry state machine
func (e *Engine) failAttempt(job *types.Job, handle *execlog.Handle, attemptErr error) {
	final := job.Attempt >= job.MaxAttempts

	e.execLog.RecordError(handle, attemptErr.Error(), final)
	rec := e.execLog.Snapshot(handle)
	_ = e.store.PutJobResult(&rec)

	if final {
		e.logger.Warn().
			Str("job_id", job.ID).
			Str("handler_id", job.HandlerID).
			Int("attempt", job.Attempt).
			Err(attemptErr).
			Msg("job failed, retries exhausted")
		e.finishJob(job, types.JobStateFailed, attemptErr.Error(), nil)
		return
	}

	delay := e.retryDelay(job.ID)
	job.State = types.JobStateRetryPending
	job.Error = attemptErr.Error()
	if err := e.store.PutJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
	}

	metrics.JobRetries.Inc()
	e.bus.Publish(&events.Event{
		Type:       events.EventJobRetry,
		JobID:      job.ID,
		ScheduleID: job.ScheduleID,
		HandlerID:  job.HandlerID,
		Message:    attemptErr.Error(),
	})
	e.logger.Debug().
		Str("job_id", job.ID).
		Int("attempt", job.Attempt).
		Dur("delay", delay).
		Err(attemptErr).
		Msg("scheduling retry")

	// In-memory retry timer. Pending retries are lost on restart; the next
	// schedule fire re-triggers the work (run-now callers see the error).
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		e.abandonJob(job)
		return
	}
	e.timerWG.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.timerWG.Done()
		select {
		case <-time.After(delay):
			job.Attempt++
			job.State = types.JobStateQueued
			if err := e.store.PutJob(job); err != nil {
				e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
			}
			if !e.enqueue(job) {
				e.abandonJob(job)
			}
		case <-e.drainCh:
			e.abandonJob(job)
		}
	}()
}

// abandonJob finalizes a job whose retry was cut off by shutdown
func (e *Engine) abandonJob(job *types.Job) {
	e.dropRetryPolicy(job.ID)
	e.notifyWaiter(job.ID, RunResult{Job: job, Err: ErrDraining})
}

// finishJob applies a terminal state, persists it and notifies observers
func (e *Engine) finishJob(job *types.Job, state types.JobState, errMsg string, result map[string]any) {
	job.State = state
	job.Error = errMsg
	if err := e.store.PutJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist job state")
	}
	e.dropRetryPolicy(job.ID)

	if state == types.JobStateSucceeded {
		metrics.JobsDispatched.WithLabelValues("success").Inc()
		e.bus.Publish(&events.Event{
			Type:       events.EventJobSucceeded,
			JobID:      job.ID,
			ScheduleID: job.ScheduleID,
			HandlerID:  job.HandlerID,
		})
		e.notifyWaiter(job.ID, RunResult{Job: job, Result: result})
		return
	}

	metrics.JobsDispatched.WithLabelValues("error").Inc()
	e.bus.Publish(&events.Event{
		Type:       events.EventJobFailed,
		JobID:      job.ID,
		ScheduleID: job.ScheduleID,
		HandlerID:  job.HandlerID,
		Message:    errMsg,
	})
	e.notifyWaiter(job.ID, RunResult{Job: job, Err: fmt.Errorf("%s", errMsg)})
}

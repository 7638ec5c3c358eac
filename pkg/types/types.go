// Package types holds the shared data model: handlers, schedules, triggers,
// jobs and execution records.
package types

import (
	"time"
)

// Handler represents a remote worker that advertises a set of callable methods
type Handler struct {
	ID           string        `json:"handler_id" yaml:"handler_id"`
	Address      string        `json:"address" yaml:"address"`
	Methods      []string      `json:"methods" yaml:"methods"`
	RegisteredAt time.Time     `json:"registered_at" yaml:"registered_at"`
	LastUpdated  time.Time     `json:"last_updated" yaml:"last_updated"`
	Status       HandlerStatus `json:"status" yaml:"status"`
}

// HasMethod reports whether the handler currently advertises the method
func (h *Handler) HasMethod(name string) bool {
	for _, m := range h.Methods {
		if m == name {
			return true
		}
	}
	return false
}

// HandlerStatus represents the liveness state of a handler
type HandlerStatus string

const (
	HandlerStatusRegistered   HandlerStatus = "registered"
	HandlerStatusConnected    HandlerStatus = "connected"
	HandlerStatusDisconnected HandlerStatus = "disconnected"
	HandlerStatusOffline      HandlerStatus = "offline"
)

// TriggerType defines the kind of trigger driving a schedule
type TriggerType string

const (
	TriggerDate     TriggerType = "date"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
)

// Trigger is a tagged union; exactly one variant matching Type is populated
type Trigger struct {
	Type     TriggerType      `json:"type"`
	Date     *DateTrigger     `json:"date,omitempty"`
	Interval *IntervalTrigger `json:"interval,omitempty"`
	Cron     *CronTrigger     `json:"cron,omitempty"`
}

// DateTrigger fires exactly once at an absolute time
type DateTrigger struct {
	RunAt time.Time `json:"run_at"`
}

// IntervalTrigger fires every period, optionally bounded by start/end
type IntervalTrigger struct {
	Every time.Duration `json:"every"`
	Start *time.Time    `json:"start,omitempty"`
	End   *time.Time    `json:"end,omitempty"`
}

// CronTrigger fires on a cron field expression in the given timezone.
// Empty fields default to "*". Year is an optional extension filter since
// classic cron has no year column.
type CronTrigger struct {
	Second    string `json:"second,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	Month     string `json:"month,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Year      string `json:"year,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// CoalescePolicy controls how overdue fires of one schedule collapse
type CoalescePolicy string

const (
	CoalesceLatest   CoalescePolicy = "latest"
	CoalesceEarliest CoalescePolicy = "earliest"
	CoalesceAll      CoalescePolicy = "all"
)

// Schedule is a persisted recurrence definition
type Schedule struct {
	ID               string         `json:"schedule_id"`
	HandlerID        string         `json:"handler_id"`
	Method           string         `json:"method_name"`
	Params           map[string]any `json:"params,omitempty"`
	Trigger          Trigger        `json:"trigger"`
	NextFireTime     *time.Time     `json:"next_fire_time,omitempty"` // nil means exhausted
	MisfireGraceTime time.Duration  `json:"misfire_grace_time"`
	Coalesce         CoalescePolicy `json:"coalesce"`
	MaxJitter        time.Duration  `json:"max_jitter"`
	MaxAttempts      int            `json:"max_attempts"`
	PausedUntil      *time.Time     `json:"paused_until,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Claim lease fields, managed by the store during AcquireDue/Release
	ClaimedBy    string     `json:"claimed_by,omitempty"`
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
}

// JobState represents the state of a job instance
type JobState string

const (
	JobStateQueued       JobState = "queued"
	JobStateRunning      JobState = "running"
	JobStateSucceeded    JobState = "succeeded"
	JobStateFailed       JobState = "failed"
	JobStateRetryPending JobState = "retry_pending"
)

// Terminal reports whether the state admits no further transitions
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// Job is one materialization of a schedule (or a run-now request)
type Job struct {
	ID           string         `json:"job_id"`
	ScheduleID   string         `json:"schedule_id,omitempty"` // empty for run-now jobs
	HandlerID    string         `json:"handler_id"`
	Method       string         `json:"method_name"`
	Params       map[string]any `json:"params,omitempty"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	CreatedAt    time.Time      `json:"created_at"`
	Attempt      int            `json:"attempt_number"`
	MaxAttempts  int            `json:"max_attempts"`
	State        JobState       `json:"state"`
	Error        string         `json:"error,omitempty"`
}

// ExecutionStatus classifies one attempt in the execution log
type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionError   ExecutionStatus = "error"
	ExecutionRetry   ExecutionStatus = "retry"
)

// ExecutionRecord describes one dispatch attempt of a job to a handler
type ExecutionRecord struct {
	JobID         string          `json:"job_id"`
	ScheduleID    string          `json:"schedule_id,omitempty"`
	HandlerID     string          `json:"handler_id"`
	Method        string          `json:"method_name"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    *int64          `json:"duration_ms,omitempty"`
	Status        ExecutionStatus `json:"status"`
	Result        map[string]any  `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Attempt       int             `json:"attempt_number"`
	MaxAttempts   int             `json:"max_attempts"`
	ParamsSummary string          `json:"params_summary,omitempty"`
}

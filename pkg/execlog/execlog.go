// Package execlog keeps a bounded in-memory ring of execution attempt records
// with aggregate statistics.
package execlog

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bellmanhq/bellman/pkg/types"
)

const (
	// DefaultMaxRecords bounds the in-memory ring
	DefaultMaxRecords = 1000

	summaryMaxPairs    = 5
	summaryMaxValueLen = 50
)

// Handle identifies an in-flight attempt record for later finalization
type Handle struct {
	record *types.ExecutionRecord
}

// Log is a thread-safe bounded ring of execution records. All operations
// are pure in-memory and never block on I/O.
type Log struct {
	mu       sync.Mutex
	max      int
	records  []*types.ExecutionRecord // oldest first
	lifetime uint64                   // monotone insertion counter, reset only by Clear
}

// New creates a log retaining at most max records (DefaultMaxRecords if <= 0)
func New(max int) *Log {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &Log{max: max}
}

// RecordStart inserts a running record for one attempt and returns its handle
func (l *Log) RecordStart(jobID, scheduleID, handlerID, method string, attempt, maxAttempts int, params map[string]any) *Handle {
	rec := &types.ExecutionRecord{
		JobID:         jobID,
		ScheduleID:    scheduleID,
		HandlerID:     handlerID,
		Method:        method,
		StartedAt:     time.Now(),
		Status:        types.ExecutionRunning,
		Attempt:       attempt,
		MaxAttempts:   maxAttempts,
		ParamsSummary: summarizeParams(params),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	if len(l.records) > l.max {
		l.records = l.records[len(l.records)-l.max:]
	}
	l.lifetime++

	return &Handle{record: rec}
}

// RecordSuccess finalizes the attempt as succeeded
func (l *Log) RecordSuccess(h *Handle, result map[string]any) {
	l.finalize(h, types.ExecutionSuccess, "", result)
}

// RecordError finalizes the attempt as failed. Non-final failures are
// recorded as retry so the terminal error stays unambiguous per job.
func (l *Log) RecordError(h *Handle, errMsg string, final bool) {
	status := types.ExecutionRetry
	if final {
		status = types.ExecutionError
	}
	l.finalize(h, status, errMsg, nil)
}

func (l *Log) finalize(h *Handle, status types.ExecutionStatus, errMsg string, result map[string]any) {
	if h == nil || h.record == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	durMS := now.Sub(h.record.StartedAt).Milliseconds()
	h.record.CompletedAt = &now
	h.record.DurationMS = &durMS
	h.record.Status = status
	h.record.Error = errMsg
	h.record.Result = result
}

// RecordMisfire inserts a terminal error-class record for a fire that was
// dropped past its misfire grace window. Misfires have no job instance.
func (l *Log) RecordMisfire(scheduleID, handlerID, method string, firedAt time.Time) types.ExecutionRecord {
	now := time.Now()
	durMS := int64(0)
	rec := &types.ExecutionRecord{
		ScheduleID:  scheduleID,
		HandlerID:   handlerID,
		Method:      method,
		StartedAt:   firedAt,
		CompletedAt: &now,
		DurationMS:  &durMS,
		Status:      types.ExecutionError,
		Error:       fmt.Sprintf("misfire: fire at %s missed its grace window", firedAt.Format(time.RFC3339)),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
	if len(l.records) > l.max {
		l.records = l.records[len(l.records)-l.max:]
	}
	l.lifetime++
	return *rec
}

// Snapshot returns a copy of the handle's record in its current state
func (l *Log) Snapshot(h *Handle) types.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *h.record
}

// Recent returns up to limit records, newest first
func (l *Log) Recent(limit int) []types.ExecutionRecord {
	return l.filter(limit, func(*types.ExecutionRecord) bool { return true })
}

// ByHandler returns up to limit records for one handler, newest first
func (l *Log) ByHandler(handlerID string, limit int) []types.ExecutionRecord {
	return l.filter(limit, func(r *types.ExecutionRecord) bool { return r.HandlerID == handlerID })
}

// ByJob returns up to limit records for one job, newest first
func (l *Log) ByJob(jobID string, limit int) []types.ExecutionRecord {
	return l.filter(limit, func(r *types.ExecutionRecord) bool { return r.JobID == jobID })
}

// Errors returns up to limit terminal error records, newest first
func (l *Log) Errors(limit int) []types.ExecutionRecord {
	return l.filter(limit, func(r *types.ExecutionRecord) bool { return r.Status == types.ExecutionError })
}

func (l *Log) filter(limit int, keep func(*types.ExecutionRecord) bool) []types.ExecutionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []types.ExecutionRecord
	for i := len(l.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if keep(l.records[i]) {
			out = append(out, *l.records[i])
		}
	}
	return out
}

// HandlerStats aggregates attempts for one handler
type HandlerStats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Error   int `json:"error"`
}

// Stats summarizes the current ring contents
type Stats struct {
	Total             int                     `json:"total"`
	Success           int                     `json:"success"`
	Error             int                     `json:"error"`
	Running           int                     `json:"running"`
	Retry             int                     `json:"retry"`
	SuccessRate       float64                 `json:"success_rate"`
	AvgDurationMS     float64                 `json:"avg_duration_ms"`
	PerHandler        map[string]HandlerStats `json:"per_handler"`
	LifetimeCount     uint64                  `json:"lifetime_count"`
	BufferUtilization float64                 `json:"buffer_utilization"`
}

// GetStats computes aggregate statistics over the ring
func (l *Log) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{
		Total:         len(l.records),
		PerHandler:    make(map[string]HandlerStats),
		LifetimeCount: l.lifetime,
	}

	var durTotal int64
	var durCount int
	for _, r := range l.records {
		hs := stats.PerHandler[r.HandlerID]
		hs.Total++
		switch r.Status {
		case types.ExecutionSuccess:
			stats.Success++
			hs.Success++
		case types.ExecutionError:
			stats.Error++
			hs.Error++
		case types.ExecutionRunning:
			stats.Running++
		case types.ExecutionRetry:
			stats.Retry++
		}
		stats.PerHandler[r.HandlerID] = hs
		if r.DurationMS != nil {
			durTotal += *r.DurationMS
			durCount++
		}
	}

	if terminal := stats.Success + stats.Error; terminal > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(terminal)
	}
	if durCount > 0 {
		stats.AvgDurationMS = float64(durTotal) / float64(durCount)
	}
	stats.BufferUtilization = float64(len(l.records)) / float64(l.max)

	return stats
}

// Clear drops all records and resets the lifetime counter
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
	l.lifetime = 0
}

// Len returns the current number of retained records
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// summarizeParams renders a truncated human-readable view of up to the
// first five key-value pairs, each value capped at 50 characters
func summarizeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i >= summaryMaxPairs {
			out += fmt.Sprintf(", ... (%d more)", len(keys)-summaryMaxPairs)
			break
		}
		v := fmt.Sprintf("%v", params[k])
		if len(v) > summaryMaxValueLen {
			v = v[:summaryMaxValueLen] + "..."
		}
		if i > 0 {
			out += ", "
		}
		out += k + "=" + v
	}
	return out
}

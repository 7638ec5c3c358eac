package store

import (
	"errors"
	"time"

	"github.com/bellmanhq/bellman/pkg/types"
)

var (
	// ErrNotFound indicates the schedule or job does not exist
	ErrNotFound = errors.New("store: not found")

	// ErrConflict indicates an id collision without replace_existing
	ErrConflict = errors.New("store: schedule id already exists")
)

// ListFilter narrows and paginates List results
type ListFilter struct {
	// StartTime/EndTime bound NextFireTime when non-zero
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Store is the durable set of schedules plus pending job rows and attempt
// results. Implementations must make AcquireDue serializable with respect
// to concurrent AcquireDue calls so claimants see disjoint sets.
type Store interface {
	// Schedule operations
	Put(schedule *types.Schedule, replaceExisting bool) error
	Get(id string) (*types.Schedule, error)
	List(filter ListFilter) ([]*types.Schedule, int, error)
	Remove(id string) error
	AcquireDue(now time.Time, limit int, owner string, lease time.Duration) ([]*types.Schedule, error)
	Release(id string, nextFireTime *time.Time) error

	// Job operations
	PutJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	ListJobs(limit int) ([]*types.Job, error)

	// Attempt results (durable mirror of finalized execution records)
	PutJobResult(record *types.ExecutionRecord) error
	ListJobResults(jobID string) ([]*types.ExecutionRecord, error)

	Close() error
}

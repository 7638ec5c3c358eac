package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bellmanhq/bellman/pkg/types"
)

var (
	// Bucket names
	bucketSchedules  = []byte("schedules")
	bucketJobs       = []byte("jobs")
	bucketJobResults = []byte("job_results")
)

// BoltStore implements Store using BoltDB. Bolt's single-writer update
// transactions make AcquireDue serializable: two claimants can never see
// overlapping due sets.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the schedule database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bellman.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSchedules, bucketJobs, bucketJobResults} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put inserts or replaces a schedule. An existing id without
// replaceExisting yields ErrConflict.
func (s *BoltStore) Put(schedule *types.Schedule, replaceExisting bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if !replaceExisting && b.Get([]byte(schedule.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrConflict, schedule.ID)
		}
		data, err := json.Marshal(schedule)
		if err != nil {
			return err
		}
		return b.Put([]byte(schedule.ID), data)
	})
}

// Get retrieves a schedule by id
func (s *BoltStore) Get(id string) (*types.Schedule, error) {
	var schedule types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchedules).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &schedule)
	})
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

// List returns schedules matching the filter ordered by NextFireTime
// (exhausted last), plus the total match count before pagination
func (s *BoltStore) List(filter ListFilter) ([]*types.Schedule, int, error) {
	var matched []*types.Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var schedule types.Schedule
			if err := json.Unmarshal(v, &schedule); err != nil {
				return err
			}
			if !filter.StartTime.IsZero() {
				if schedule.NextFireTime == nil || schedule.NextFireTime.Before(filter.StartTime) {
					return nil
				}
			}
			if !filter.EndTime.IsZero() {
				if schedule.NextFireTime == nil || schedule.NextFireTime.After(filter.EndTime) {
					return nil
				}
			}
			matched = append(matched, &schedule)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].NextFireTime, matched[j].NextFireTime
		switch {
		case a == nil && b == nil:
			return matched[i].ID < matched[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return matched[i].ID < matched[j].ID
		default:
			return a.Before(*b)
		}
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

// Remove deletes a schedule. Removing an absent id is a no-op.
func (s *BoltStore) Remove(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(id))
	})
}

// AcquireDue atomically claims up to limit schedules whose NextFireTime is
// at or before now. Claimed rows carry a short-lived lease so a crashed
// claimant's schedules become acquirable again once the lease expires.
// Paused schedules are skipped until PausedUntil passes.
func (s *BoltStore) AcquireDue(now time.Time, limit int, owner string, lease time.Duration) ([]*types.Schedule, error) {
	var claimed []*types.Schedule
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)

		var due []*types.Schedule
		err := b.ForEach(func(k, v []byte) error {
			var schedule types.Schedule
			if err := json.Unmarshal(v, &schedule); err != nil {
				return err
			}
			if schedule.NextFireTime == nil || schedule.NextFireTime.After(now) {
				return nil
			}
			if schedule.PausedUntil != nil && schedule.PausedUntil.After(now) {
				return nil
			}
			if schedule.ClaimedUntil != nil && schedule.ClaimedUntil.After(now) && schedule.ClaimedBy != owner {
				return nil
			}
			due = append(due, &schedule)
			return nil
		})
		if err != nil {
			return err
		}

		// Oldest fire first, so backlog drains in order
		sort.Slice(due, func(i, j int) bool {
			if due[i].NextFireTime.Equal(*due[j].NextFireTime) {
				return due[i].ID < due[j].ID
			}
			return due[i].NextFireTime.Before(*due[j].NextFireTime)
		})
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}

		until := now.Add(lease)
		for _, schedule := range due {
			schedule.ClaimedBy = owner
			schedule.ClaimedUntil = &until
			data, err := json.Marshal(schedule)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(schedule.ID), data); err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release writes the recomputed NextFireTime and clears the claim. A nil
// next fire time means the trigger is exhausted and the schedule row is
// deleted.
func (s *BoltStore) Release(id string, nextFireTime *time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
		}
		if nextFireTime == nil {
			return b.Delete([]byte(id))
		}

		var schedule types.Schedule
		if err := json.Unmarshal(data, &schedule); err != nil {
			return err
		}
		schedule.NextFireTime = nextFireTime
		schedule.ClaimedBy = ""
		schedule.ClaimedUntil = nil
		schedule.UpdatedAt = time.Now()

		updated, err := json.Marshal(&schedule)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// Job operations

// PutJob inserts or replaces a job row
func (s *BoltStore) PutJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

// GetJob retrieves a job by id
func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns up to limit job rows, newest first
func (s *BoltStore) ListJobs(limit int) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// PutJobResult stores a durable copy of one finalized attempt, keyed by
// job id and attempt number
func (s *BoltStore) PutJobResult(record *types.ExecutionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%04d", record.JobID, record.Attempt)
		return tx.Bucket(bucketJobResults).Put([]byte(key), data)
	})
}

// ListJobResults returns the stored attempts of one job in attempt order
func (s *BoltStore) ListJobResults(jobID string) ([]*types.ExecutionRecord, error) {
	var records []*types.ExecutionRecord
	prefix := []byte(jobID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record types.ExecutionRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	return records, err
}

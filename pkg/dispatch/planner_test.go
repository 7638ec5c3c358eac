package dispatch

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bellmanhq/bellman/pkg/store"
	"github.com/bellmanhq/bellman/pkg/types"
)

func timePtr(t time.Time) *time.Time { return &t }

func intervalSchedule(id string, every time.Duration, next time.Time) *types.Schedule {
	return &types.Schedule{
		ID:        id,
		HandlerID: "worker1",
		Method:    "tick",
		Trigger: types.Trigger{
			Type:     types.TriggerInterval,
			Interval: &types.IntervalTrigger{Every: every, Start: timePtr(next.Add(-every))},
		},
		NextFireTime: &next,
		Coalesce:     types.CoalesceLatest,
		MaxAttempts:  1,
	}
}

func TestSplitFires(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

	fires := []time.Time{
		now.Add(-10 * time.Minute),
		now.Add(-5 * time.Minute),
		now.Add(-30 * time.Second),
		now.Add(-10 * time.Second),
	}

	tests := []struct {
		name            string
		grace           time.Duration
		coalesce        types.CoalescePolicy
		wantMaterialize []time.Time
		wantMisfired    []time.Time
	}{
		{
			name:            "no grace window honors everything, latest wins",
			grace:           0,
			coalesce:        types.CoalesceLatest,
			wantMaterialize: fires[3:],
			wantMisfired:    nil,
		},
		{
			name:            "grace violations become misfires",
			grace:           time.Minute,
			coalesce:        types.CoalesceLatest,
			wantMaterialize: fires[3:],
			wantMisfired:    fires[:2],
		},
		{
			name:            "earliest picks the oldest in-grace fire",
			grace:           time.Minute,
			coalesce:        types.CoalesceEarliest,
			wantMaterialize: fires[2:3],
			wantMisfired:    fires[:2],
		},
		{
			name:            "all materializes every in-grace fire",
			grace:           time.Minute,
			coalesce:        types.CoalesceAll,
			wantMaterialize: fires[2:],
			wantMisfired:    fires[:2],
		},
		{
			name:            "everything past grace",
			grace:           time.Second,
			coalesce:        types.CoalesceAll,
			wantMaterialize: nil,
			wantMisfired:    fires,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schedule := &types.Schedule{
				MisfireGraceTime: tt.grace,
				Coalesce:         tt.coalesce,
			}
			materialize, misfired := h.engine.splitFires(schedule, fires, now)
			assert.Equal(t, tt.wantMaterialize, materialize)
			assert.Equal(t, tt.wantMisfired, misfired)
		})
	}
}

func TestEnumerateFires(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

	t.Run("walks the backlog and computes the next future fire", func(t *testing.T) {
		schedule := intervalSchedule("s1", time.Minute, now.Add(-2*time.Minute))

		fires, next, truncated, err := h.engine.enumerateFires(schedule, now)
		require.NoError(t, err)
		assert.Nil(t, truncated)
		// -2m, -1m and 0 are due; +1m is the future fire
		require.Len(t, fires, 3)
		assert.True(t, fires[0].Equal(now.Add(-2*time.Minute)))
		assert.True(t, fires[2].Equal(now))
		require.NotNil(t, next)
		assert.True(t, next.Equal(now.Add(time.Minute)))
	})

	t.Run("exhausted schedule produces nothing", func(t *testing.T) {
		schedule := intervalSchedule("s2", time.Minute, now)
		schedule.NextFireTime = nil

		fires, next, truncated, err := h.engine.enumerateFires(schedule, now)
		require.NoError(t, err)
		assert.Nil(t, fires)
		assert.Nil(t, next)
		assert.Nil(t, truncated)
	})

	t.Run("date trigger fires once and exhausts", func(t *testing.T) {
		runAt := now.Add(-time.Minute)
		schedule := &types.Schedule{
			ID:           "s3",
			Trigger:      types.Trigger{Type: types.TriggerDate, Date: &types.DateTrigger{RunAt: runAt}},
			NextFireTime: &runAt,
		}

		fires, next, truncated, err := h.engine.enumerateFires(schedule, now)
		require.NoError(t, err)
		require.Len(t, fires, 1)
		assert.True(t, fires[0].Equal(runAt))
		assert.Nil(t, next, "a date trigger has no fire after its single one")
		assert.Nil(t, truncated)
	})

	t.Run("deep backlog is truncated at the cap", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) {
			cfg.CoalesceAllCap = 5
		})
		schedule := intervalSchedule("s4", time.Second, now.Add(-time.Hour))

		fires, next, truncated, err := h.engine.enumerateFires(schedule, now)
		require.NoError(t, err)
		assert.Len(t, fires, 5)
		require.NotNil(t, truncated, "the first dropped fire is reported")
		require.NotNil(t, next)
		assert.True(t, next.After(now), "the schedule advances past now")
	})
}

func TestPlanMaterializesDueSchedules(t *testing.T) {
	// No workers started: materialized jobs stay in the queue for inspection
	h := newHarness(t, nil)
	now := time.Now()

	require.NoError(t, h.store.Put(intervalSchedule("due", time.Minute, now.Add(-time.Second)), false))
	require.NoError(t, h.store.Put(intervalSchedule("future", time.Minute, now.Add(time.Hour)), false))

	require.NoError(t, h.engine.plan(now))

	// One job for the due schedule, none for the future one
	job := <-h.engine.jobCh
	assert.Equal(t, "due", job.ScheduleID)
	assert.Equal(t, "tick", job.Method)
	assert.Equal(t, types.JobStateQueued, job.State)
	assert.Len(t, h.engine.jobCh, 0)

	// The due schedule advanced and its claim is clear
	schedule, err := h.store.Get("due")
	require.NoError(t, err)
	require.NotNil(t, schedule.NextFireTime)
	assert.True(t, schedule.NextFireTime.After(now))
	assert.Empty(t, schedule.ClaimedBy)

	// The durable job row exists
	stored, err := h.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, stored.State)
}

func TestPlanExhaustsDateSchedule(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()
	runAt := now.Add(-time.Second)

	require.NoError(t, h.store.Put(&types.Schedule{
		ID:           "once",
		HandlerID:    "worker1",
		Method:       "tick",
		Trigger:      types.Trigger{Type: types.TriggerDate, Date: &types.DateTrigger{RunAt: runAt}},
		NextFireTime: &runAt,
		MaxAttempts:  1,
	}, false))

	require.NoError(t, h.engine.plan(now))

	// The job materialized and the schedule row is gone
	job := <-h.engine.jobCh
	assert.Equal(t, "once", job.ScheduleID)

	_, err := h.store.Get("once")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPlanRecordsMisfires(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()

	schedule := intervalSchedule("late", time.Minute, now.Add(-10*time.Minute))
	schedule.MisfireGraceTime = 30 * time.Second
	require.NoError(t, h.store.Put(schedule, false))

	require.NoError(t, h.engine.plan(now))

	// Fires older than the grace window become error-class records
	errs := h.execLog.Errors(0)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error, "misfire")
	assert.Equal(t, "late", errs[0].ScheduleID)
}

func TestMisfiresKeepDistinctDurableRows(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()

	schedule := intervalSchedule("late", time.Minute, now.Add(-3*time.Minute))
	schedule.MisfireGraceTime = 30 * time.Second
	require.NoError(t, h.store.Put(schedule, false))

	require.NoError(t, h.engine.plan(now))

	// The fires at -3m, -2m and -1m all missed the grace window; each keeps
	// its own durable row under its synthetic id instead of overwriting the
	// previous one
	for _, offset := range []time.Duration{-3 * time.Minute, -2 * time.Minute, -time.Minute} {
		fireAt := now.Add(offset)
		id := fmt.Sprintf("misfire-late-%d", fireAt.UnixNano())
		rows, err := h.store.ListJobResults(id)
		require.NoError(t, err)
		require.Len(t, rows, 1, "fire at %s", fireAt)
		assert.Contains(t, rows[0].Error, "misfire")
		assert.Equal(t, "late", rows[0].ScheduleID)
	}
}

func TestPlanAppliesJitterWithinBound(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()

	schedule := intervalSchedule("jittery", time.Minute, now.Add(-time.Second))
	schedule.MaxJitter = 10 * time.Second
	require.NoError(t, h.store.Put(schedule, false))

	require.NoError(t, h.engine.plan(now))
	<-h.engine.jobCh

	got, err := h.store.Get("jittery")
	require.NoError(t, err)
	require.NotNil(t, got.NextFireTime)

	// The undelayed next fire, computed the same way the planner does
	base := now.Add(-time.Second).Add(time.Minute)
	assert.False(t, got.NextFireTime.Before(base))
	assert.False(t, got.NextFireTime.After(base.Add(10*time.Second)))
}

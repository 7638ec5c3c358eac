/*
Package store persists schedules, jobs and attempt results in bbolt.

Three buckets hold JSON values keyed by id:

	schedules    recurrence definitions with next fire time and claim lease
	jobs         materialized job instances with their terminal state
	job_results  one row per finished attempt, keyed jobID/attempt

# Claiming

AcquireDue is the planner's entry point: inside a single Update
transaction it scans for schedules whose next fire time has passed,
skips rows claimed by another live lease, stamps the caller's claim and
returns the batch oldest-first. bbolt's single-writer transactions make
the scan-and-claim serializable without row locks; two planners can race
AcquireDue and never claim the same schedule.

Release clears the claim and advances the fire time; releasing with a nil
next time deletes the schedule, which is how exhausted date triggers
retire themselves.

# Conflicts

Put without replace fails with ErrConflict when the id exists. Remove is
idempotent; callers that need a 404 check existence with Get first.
*/
package store

package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bellmanhq/bellman/pkg/types"
)

// ErrInvalidTrigger indicates a malformed or inconsistent trigger definition
var ErrInvalidTrigger = errors.New("invalid trigger")

// cronParsers for the five-field and seconds-extended forms. Both honor the
// CRON_TZ= prefix for timezone-aware expansion.
var (
	fiveFieldParser = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sixFieldParser = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// Next computes the next fire time for the trigger after the given instant.
// It is a pure function: identical inputs always produce identical outputs.
// A nil result means the trigger is exhausted.
//
//   - date: the absolute time when after <= run_at, otherwise nil
//   - interval: the smallest start + k*period (k >= 1) strictly after the
//     instant, or nil past the optional end bound
//   - cron: the next matching instant strictly after the given one
func Next(t types.Trigger, after time.Time) (*time.Time, error) {
	switch t.Type {
	case types.TriggerDate:
		if t.Date == nil {
			return nil, fmt.Errorf("%w: date trigger missing run_at", ErrInvalidTrigger)
		}
		if after.After(t.Date.RunAt) {
			return nil, nil
		}
		at := t.Date.RunAt
		return &at, nil

	case types.TriggerInterval:
		return nextInterval(t.Interval, after)

	case types.TriggerCron:
		return nextCron(t.Cron, after)

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, t.Type)
	}
}

// NextAfterFire advances a trigger past a fire it has just produced. Date
// triggers exhaust after their single fire; everything else defers to Next.
func NextAfterFire(t types.Trigger, fired time.Time) (*time.Time, error) {
	if t.Type == types.TriggerDate {
		return nil, nil
	}
	return Next(t, fired)
}

// Validate checks that exactly the variant named by Type is populated and
// well formed. Used at schedule-add time to reject bad definitions early.
func Validate(t types.Trigger) error {
	switch t.Type {
	case types.TriggerDate:
		if t.Date == nil || t.Interval != nil || t.Cron != nil {
			return fmt.Errorf("%w: date trigger must populate only the date variant", ErrInvalidTrigger)
		}
		if t.Date.RunAt.IsZero() {
			return fmt.Errorf("%w: date trigger missing run_at", ErrInvalidTrigger)
		}
	case types.TriggerInterval:
		if t.Interval == nil || t.Date != nil || t.Cron != nil {
			return fmt.Errorf("%w: interval trigger must populate only the interval variant", ErrInvalidTrigger)
		}
		if t.Interval.Every <= 0 {
			return fmt.Errorf("%w: interval period must be positive", ErrInvalidTrigger)
		}
		if t.Interval.Start != nil && t.Interval.End != nil && t.Interval.End.Before(*t.Interval.Start) {
			return fmt.Errorf("%w: interval end precedes start", ErrInvalidTrigger)
		}
	case types.TriggerCron:
		if t.Cron == nil || t.Date != nil || t.Interval != nil {
			return fmt.Errorf("%w: cron trigger must populate only the cron variant", ErrInvalidTrigger)
		}
		if _, err := compileCron(t.Cron); err != nil {
			return err
		}
		if t.Cron.Year != "" {
			if _, err := parseYears(t.Cron.Year); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, t.Type)
	}
	return nil
}

func nextInterval(it *types.IntervalTrigger, after time.Time) (*time.Time, error) {
	if it == nil {
		return nil, fmt.Errorf("%w: interval trigger missing definition", ErrInvalidTrigger)
	}
	if it.Every <= 0 {
		return nil, fmt.Errorf("%w: interval period must be positive", ErrInvalidTrigger)
	}

	start := after
	if it.Start != nil {
		start = *it.Start
	}

	var candidate time.Time
	if !after.After(start) {
		candidate = start.Add(it.Every)
	} else {
		elapsed := after.Sub(start)
		k := elapsed / it.Every
		candidate = start.Add((k + 1) * it.Every)
	}

	// An end bound equal to the last projected fire still includes that fire
	if it.End != nil && candidate.After(*it.End) {
		return nil, nil
	}
	return &candidate, nil
}

func nextCron(ct *types.CronTrigger, after time.Time) (*time.Time, error) {
	if ct == nil {
		return nil, fmt.Errorf("%w: cron trigger missing definition", ErrInvalidTrigger)
	}

	sched, err := compileCron(ct)
	if err != nil {
		return nil, err
	}

	next := sched.Next(after)
	if next.IsZero() {
		return nil, nil
	}
	if ct.Year == "" {
		return &next, nil
	}

	years, err := parseYears(ct.Year)
	if err != nil {
		return nil, err
	}
	maxYear := 0
	for y := range years {
		if y > maxYear {
			maxYear = y
		}
	}
	for !next.IsZero() {
		if next.Year() > maxYear {
			return nil, nil
		}
		if years[next.Year()] {
			return &next, nil
		}
		// Jump to the start of the following year rather than stepping
		// fire by fire through a non-matching year
		next = sched.Next(time.Date(next.Year()+1, time.January, 1, 0, 0, 0, 0, next.Location()).Add(-time.Nanosecond))
	}
	return nil, nil
}

func compileCron(ct *types.CronTrigger) (cron.Schedule, error) {
	field := func(v string) string {
		if v == "" {
			return "*"
		}
		return v
	}

	fields := []string{
		field(ct.Minute), field(ct.Hour), field(ct.Day),
		field(ct.Month), field(ct.DayOfWeek),
	}
	parser := fiveFieldParser
	if ct.Second != "" {
		fields = append([]string{ct.Second}, fields...)
		parser = sixFieldParser
	}

	expr := strings.Join(fields, " ")
	if ct.Timezone != "" {
		if _, err := time.LoadLocation(ct.Timezone); err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidTrigger, ct.Timezone)
		}
		expr = "CRON_TZ=" + ct.Timezone + " " + expr
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
	}
	return sched, nil
}

// parseYears accepts "2026", "2026,2028" and "2026-2030" forms
func parseYears(expr string) (map[int]bool, error) {
	years := make(map[int]bool)
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			from, err1 := strconv.Atoi(lo)
			to, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || to < from {
				return nil, fmt.Errorf("%w: bad year range %q", ErrInvalidTrigger, part)
			}
			for y := from; y <= to; y++ {
				years[y] = true
			}
			continue
		}
		y, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: bad year %q", ErrInvalidTrigger, part)
		}
		years[y] = true
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("%w: empty year expression", ErrInvalidTrigger)
	}
	return years, nil
}

package trigger

import (
	"fmt"
	"math"
	"time"

	"github.com/bellmanhq/bellman/pkg/types"
)

// ParseJSON builds a Trigger from its API JSON form:
//
//	{"type":"date","run_date": <ISO-8601 | epoch seconds>}
//	{"type":"interval","seconds"|"minutes"|"hours"|"days"|"weeks": n, ...}
//	{"type":"cron","minute":..., "hour":..., ..., "timezone":...}
//
// Interval unit fields are additive, matching how callers express mixed
// periods like {"minutes": 1, "seconds": 30}.
func ParseJSON(raw map[string]any) (*types.Trigger, error) {
	kind, _ := raw["type"].(string)
	switch types.TriggerType(kind) {
	case types.TriggerDate:
		return parseDate(raw)
	case types.TriggerInterval:
		return parseInterval(raw)
	case types.TriggerCron:
		return parseCron(raw)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidTrigger)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, kind)
	}
}

func parseDate(raw map[string]any) (*types.Trigger, error) {
	v, ok := raw["run_date"]
	if !ok {
		return nil, fmt.Errorf("%w: date trigger requires run_date", ErrInvalidTrigger)
	}
	at, err := parseTime(v)
	if err != nil {
		return nil, fmt.Errorf("%w: run_date: %v", ErrInvalidTrigger, err)
	}
	t := &types.Trigger{
		Type: types.TriggerDate,
		Date: &types.DateTrigger{RunAt: at},
	}
	return t, Validate(*t)
}

var intervalUnits = []struct {
	field string
	unit  time.Duration
}{
	{"seconds", time.Second},
	{"minutes", time.Minute},
	{"hours", time.Hour},
	{"days", 24 * time.Hour},
	{"weeks", 7 * 24 * time.Hour},
}

func parseInterval(raw map[string]any) (*types.Trigger, error) {
	var every time.Duration
	seen := false
	for _, u := range intervalUnits {
		v, ok := raw[u.field]
		if !ok {
			continue
		}
		n, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTrigger, u.field, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: %s must be non-negative", ErrInvalidTrigger, u.field)
		}
		every += time.Duration(n * float64(u.unit))
		seen = true
	}
	if !seen || every <= 0 {
		return nil, fmt.Errorf("%w: interval trigger requires a positive period", ErrInvalidTrigger)
	}

	it := &types.IntervalTrigger{Every: every}
	if v, ok := raw["start_time"]; ok {
		at, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("%w: start_time: %v", ErrInvalidTrigger, err)
		}
		it.Start = &at
	}
	if v, ok := raw["end_time"]; ok {
		at, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("%w: end_time: %v", ErrInvalidTrigger, err)
		}
		it.End = &at
	}

	t := &types.Trigger{Type: types.TriggerInterval, Interval: it}
	return t, Validate(*t)
}

func parseCron(raw map[string]any) (*types.Trigger, error) {
	ct := &types.CronTrigger{}
	fields := map[string]*string{
		"second":      &ct.Second,
		"minute":      &ct.Minute,
		"hour":        &ct.Hour,
		"day":         &ct.Day,
		"month":       &ct.Month,
		"day_of_week": &ct.DayOfWeek,
		"year":        &ct.Year,
		"timezone":    &ct.Timezone,
	}
	for name, dst := range fields {
		v, ok := raw[name]
		if !ok {
			continue
		}
		s, err := toString(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTrigger, name, err)
		}
		*dst = s
	}

	t := &types.Trigger{Type: types.TriggerCron, Cron: ct}
	return t, Validate(*t)
}

// parseTime accepts ISO-8601 strings and numeric seconds-since-epoch
func parseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if at, err := time.Parse(layout, x); err == nil {
				return at, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", x)
	case float64:
		sec, frac := math.Modf(x)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
	case int:
		return time.Unix(int64(x), 0).UTC(), nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		if x == math.Trunc(x) {
			return fmt.Sprintf("%d", int64(x)), nil
		}
		return "", fmt.Errorf("expected integer or string, got %v", x)
	case int:
		return fmt.Sprintf("%d", x), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}

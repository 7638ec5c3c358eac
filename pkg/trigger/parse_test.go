package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bellmanhq/bellman/pkg/types"
)

func TestParseJSONDate(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    time.Time
		wantErr bool
	}{
		{
			name: "iso-8601 string",
			raw:  map[string]any{"type": "date", "run_date": "2026-03-01T12:00:00Z"},
			want: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "epoch seconds",
			raw:  map[string]any{"type": "date", "run_date": float64(1772366400)},
			want: time.Unix(1772366400, 0).UTC(),
		},
		{
			name:    "missing run_date",
			raw:     map[string]any{"type": "date"},
			wantErr: true,
		},
		{
			name:    "garbage run_date",
			raw:     map[string]any{"type": "date", "run_date": "next tuesday"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTrigger)
				return
			}
			require.NoError(t, err)
			require.Equal(t, types.TriggerDate, got.Type)
			assert.True(t, tt.want.Equal(got.Date.RunAt))
		})
	}
}

func TestParseJSONInterval(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    time.Duration
		wantErr bool
	}{
		{
			name: "seconds",
			raw:  map[string]any{"type": "interval", "seconds": float64(30)},
			want: 30 * time.Second,
		},
		{
			name: "units are additive",
			raw:  map[string]any{"type": "interval", "minutes": float64(1), "seconds": float64(30)},
			want: 90 * time.Second,
		},
		{
			name: "weeks",
			raw:  map[string]any{"type": "interval", "weeks": float64(2)},
			want: 2 * 7 * 24 * time.Hour,
		},
		{
			name:    "no unit at all",
			raw:     map[string]any{"type": "interval"},
			wantErr: true,
		},
		{
			name:    "zero period",
			raw:     map[string]any{"type": "interval", "seconds": float64(0)},
			wantErr: true,
		},
		{
			name:    "negative unit",
			raw:     map[string]any{"type": "interval", "minutes": float64(-5)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTrigger)
				return
			}
			require.NoError(t, err)
			require.Equal(t, types.TriggerInterval, got.Type)
			assert.Equal(t, tt.want, got.Interval.Every)
		})
	}
}

func TestParseJSONIntervalBounds(t *testing.T) {
	raw := map[string]any{
		"type":       "interval",
		"hours":      float64(1),
		"start_time": "2026-01-01T00:00:00Z",
		"end_time":   "2026-02-01T00:00:00Z",
	}

	got, err := ParseJSON(raw)
	require.NoError(t, err)
	require.NotNil(t, got.Interval.Start)
	require.NotNil(t, got.Interval.End)
	assert.True(t, got.Interval.Start.Equal(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, got.Interval.End.Equal(time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseJSONCron(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		want    types.CronTrigger
		wantErr bool
	}{
		{
			name: "string fields",
			raw:  map[string]any{"type": "cron", "minute": "0", "hour": "3"},
			want: types.CronTrigger{Minute: "0", Hour: "3"},
		},
		{
			name: "numeric fields are accepted",
			raw:  map[string]any{"type": "cron", "minute": float64(0), "hour": float64(3)},
			want: types.CronTrigger{Minute: "0", Hour: "3"},
		},
		{
			name: "full field set",
			raw: map[string]any{
				"type": "cron", "second": "30", "minute": "*/5", "hour": "9-17",
				"day": "1", "month": "6", "day_of_week": "1", "year": "2026",
				"timezone": "UTC",
			},
			want: types.CronTrigger{
				Second: "30", Minute: "*/5", Hour: "9-17",
				Day: "1", Month: "6", DayOfWeek: "1", Year: "2026",
				Timezone: "UTC",
			},
		},
		{
			name:    "fractional numeric field",
			raw:     map[string]any{"type": "cron", "minute": 2.5},
			wantErr: true,
		},
		{
			name:    "invalid expression",
			raw:     map[string]any{"type": "cron", "minute": "99"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTrigger)
				return
			}
			require.NoError(t, err)
			require.Equal(t, types.TriggerCron, got.Type)
			assert.Equal(t, tt.want, *got.Cron)
		})
	}
}

func TestParseJSONUnknownType(t *testing.T) {
	_, err := ParseJSON(map[string]any{"type": "lunar"})
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	_, err = ParseJSON(map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidTrigger)
}

package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDue(t *testing.T) {
	created := time.Date(2026, 1, 10, 12, 30, 0, 0, time.UTC)
	daily := "0 2 * * *"

	tests := []struct {
		name    string
		expr    string
		last    time.Time
		now     time.Time
		want    bool
		wantErr bool
	}{
		{
			name: "first snapshot waits for the first slot after creation",
			expr: daily,
			now:  time.Date(2026, 1, 10, 13, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "first snapshot due once the slot passes",
			expr: daily,
			now:  time.Date(2026, 1, 11, 2, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "not due again before the next slot",
			expr: daily,
			last: time.Date(2026, 1, 11, 2, 0, 0, 0, time.UTC),
			now:  time.Date(2026, 1, 11, 18, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "due again after the next slot",
			expr: daily,
			last: time.Date(2026, 1, 11, 2, 0, 0, 0, time.UTC),
			now:  time.Date(2026, 1, 12, 2, 30, 0, 0, time.UTC),
			want: true,
		},
		{
			name:    "invalid expression",
			expr:    "not-cron",
			now:     created,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, err := IsDue(tt.expr, tt.last, created, tt.now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, due)
		})
	}
}

func TestNextRun(t *testing.T) {
	daily := "0 2 * * *"
	now := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

	// A missed slot is rescheduled from now instead of reported in the past.
	next, err := NextRun(daily, time.Date(2026, 1, 10, 2, 0, 0, 0, time.UTC), now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 13, 2, 0, 0, 0, time.UTC), next)

	// A pending future slot is reported as-is.
	next, err = NextRun(daily, time.Date(2026, 1, 12, 2, 0, 0, 0, time.UTC), now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 13, 2, 0, 0, 0, time.UTC), next)

	// Never snapshotted: first slot after now.
	next, err = NextRun(daily, time.Time{}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 13, 2, 0, 0, 0, time.UTC), next)
}

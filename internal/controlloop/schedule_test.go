package controlloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule string
		wantNext time.Time
	}{
		{"duration", "2h", base.Add(2 * time.Hour)},
		{"duration with padding", "  30m ", base.Add(30 * time.Minute)},
		{"daily cron", "0 8 * * *", time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)},
		{"cron with seconds", "*/10 * * * * *", base.Add(10 * time.Second)},
		{"descriptor", "@hourly", time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)},
		{"every", "@every 90m", base.Add(90 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(tt.schedule)
			require.NoError(t, err)
			next := sched.Next(base)
			assert.True(t, tt.wantNext.Equal(next), "next run %v, want %v", next, tt.wantNext)
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, s := range []string{"", "   ", "500ms", "soon", "61 * * * *", "@fortnightly"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParseSchedule(s)
			assert.Error(t, err)
		})
	}
}

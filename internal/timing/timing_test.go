package timing

import (
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
)

func TestClock(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Second, "00:00:00"},
		{59 * time.Second, "00:00:59"},
		{61 * time.Minute, "01:01:00"},
		{26*time.Hour + 3*time.Second, "26:00:03"},
	}
	for _, tc := range tests {
		if got := Clock(tc.d); got != tc.want {
			t.Errorf("Clock(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestModelTime(t *testing.T) {
	got := ModelTime(ai.ModelMetrics{DurationMs: 1500})
	if got != 1500*time.Millisecond {
		t.Fatalf("ModelTime = %v", got)
	}
}

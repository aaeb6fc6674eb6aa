// Package timing formats the durations the worker logs per message.
package timing

import (
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
)

// Clock renders d as hh:mm:ss. Negative durations render as zero.
func Clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// ModelTime is the wall time the model client reported for m.
func ModelTime(m ai.ModelMetrics) time.Duration {
	return time.Duration(m.DurationMs) * time.Millisecond
}

// Package schedule produces due signals for sync cycles: interval tickers
// per mapping, file-change events for workbook sources, and the periodic
// audit purge.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Named frequencies. Months and years are fixed-length approximations.
var namedFrequencies = map[string]time.Duration{
	"hourly":  time.Hour,
	"daily":   24 * time.Hour,
	"weekly":  7 * 24 * time.Hour,
	"monthly": 30 * 24 * time.Hour,
	"yearly":  365 * 24 * time.Hour,
}

// MinInterval is the shortest accepted schedule interval.
const MinInterval = time.Second

// ParseFrequency turns a mapping frequency into an interval. An empty
// frequency returns def.
func ParseFrequency(freq string, def time.Duration) (time.Duration, error) {
	freq = strings.ToLower(strings.TrimSpace(freq))
	if freq == "" {
		return def, nil
	}
	if d, ok := namedFrequencies[freq]; ok {
		return d, nil
	}

	d, err := time.ParseDuration(freq)
	if err != nil {
		return 0, fmt.Errorf("frequency %q: must be hourly, daily, weekly, monthly, yearly or a duration", freq)
	}
	if d < MinInterval {
		return 0, fmt.Errorf("frequency %q: must be at least %s", freq, MinInterval)
	}
	return d, nil
}

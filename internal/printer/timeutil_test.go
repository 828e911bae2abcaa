package printer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dsa110/contimg/internal/printer"
)

func TestTimeAgo(t *testing.T) {
	now := time.Now().UTC()

	tests := map[string]struct {
		offset   time.Duration
		expected string
	}{
		"Remaining seconds use the second unit, singular.": {
			offset:   -1 * time.Second,
			expected: "1 second ago (UTC)",
		},
		"Remaining seconds use the second unit, plural.": {
			offset:   -42 * time.Second,
			expected: "42 seconds ago (UTC)",
		},
		"Under an hour uses minutes.": {
			offset:   -59 * time.Minute,
			expected: "59 minutes ago (UTC)",
		},
		"Under a day uses hours.": {
			offset:   -23 * time.Hour,
			expected: "23 hours ago (UTC)",
		},
		"A single day reads singular.": {
			offset:   -24 * time.Hour,
			expected: "1 day ago (UTC)",
		},
		"Longer spans stay in days.": {
			offset:   -16 * 24 * time.Hour,
			expected: "16 days ago (UTC)",
		},
		"Future times are called out rather than negated.": {
			offset:   5 * time.Minute,
			expected: "in the future (UTC)",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, printer.TimeAgo(now.Add(test.offset)))
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := map[string]struct {
		time     time.Time
		expected string
	}{
		"UTC times format directly.": {
			time:     time.Date(2026, 1, 30, 10, 15, 30, 0, time.UTC),
			expected: "2026-01-30 10:15:30 UTC",
		},
		"Zoned times are converted to UTC first.": {
			time:     time.Date(2026, 1, 30, 10, 15, 30, 0, time.FixedZone("PST", -8*3600)),
			expected: "2026-01-30 18:15:30 UTC",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, printer.FormatTimestamp(test.time))
		})
	}
}

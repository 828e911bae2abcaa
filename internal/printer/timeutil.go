package printer

import (
	"fmt"
	"time"
)

// timeUnits maps elapsed-time buckets to display units, largest first.
var timeUnits = []struct {
	size time.Duration
	name string
}{
	{24 * time.Hour, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
	{time.Second, "second"},
}

// TimeAgo returns a human-readable relative time string in UTC, using the
// largest unit the elapsed time fills at least once.
func TimeAgo(t time.Time) string {
	diff := time.Now().UTC().Sub(t.UTC())
	if diff < 0 {
		return "in the future (UTC)"
	}

	for _, unit := range timeUnits {
		n := int(diff / unit.size)
		if n == 0 {
			continue
		}
		if n == 1 {
			return fmt.Sprintf("1 %s ago (UTC)", unit.name)
		}
		return fmt.Sprintf("%d %ss ago (UTC)", n, unit.name)
	}

	return "0 seconds ago (UTC)"
}

// FormatTimestamp returns a formatted timestamp string in UTC.
// Format: "2006-01-02 15:04:05 UTC".
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

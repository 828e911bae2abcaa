// Package ingest tracks raw subband file arrivals, groups them into logical
// observations and drives each group's lifecycle state machine.
package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	// ExpectedSubbands is the number of subband files per observation.
	ExpectedSubbands = 16

	// GroupIDLayout is the time layout used for canonical group IDs.
	GroupIDLayout = "2006-01-02T15:04:05"
)

// subbandPattern matches subband filenames like
// "2025-01-15T12:00:00_sb05.hdf5".
var subbandPattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})_sb(\d{2})\.hdf5$`)

// ParseSubbandFilename extracts the timestamp and subband index from a
// subband filename. Returns false if the name does not match the pattern.
func ParseSubbandFilename(name string) (timestamp time.Time, index int, ok bool) {
	m := subbandPattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, 0, false
	}
	ts, err := time.ParseInLocation(GroupIDLayout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, 0, false
	}
	return ts, idx, true
}

// BuildSubbandFilename builds the canonical subband filename for a group
// timestamp and subband index.
func BuildSubbandFilename(groupID string, index int) string {
	return fmt.Sprintf("%s_sb%02d.hdf5", groupID, index)
}

// GroupIDForTime returns the canonical group ID for a member timestamp.
func GroupIDForTime(t time.Time) string {
	return t.UTC().Format(GroupIDLayout)
}

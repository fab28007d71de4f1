package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
const epochMillisCutoff = 1e11

// ParseTimestamp tries the common text layouts, then numeric epochs.
// Numeric values above 1e11 are read as milliseconds, otherwise seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02",
		"2006/01/02",
	}
	for _, f := range formats {
		t, err := time.Parse(f, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return EpochToTime(v, v > epochMillisCutoff), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %s", s)
}

// EpochToTime converts a numeric epoch in seconds or milliseconds.
func EpochToTime(v float64, millis bool) time.Time {
	if millis {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// IsEpochMillis applies the ms-vs-s rule to the median of a column.
func IsEpochMillis(median float64) bool {
	return median > epochMillisCutoff
}

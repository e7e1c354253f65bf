package poisync

import (
	"fmt"
	"strings"
	"time"
)

// TimestampResolution is the coarsest timestamp precision among the record
// store backends. Server-assigned times are truncated to it so a value read
// back from any backend compares equal to the value that was written.
const TimestampResolution = time.Microsecond

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

var SystemClock Clock = ClockFunc(time.Now)

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampResolution)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp reads an ISO-8601 date-time. Values without a zone offset
// are taken as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date-time", raw)
}

// Package timestamp provides microsecond Unix timestamps for bus transfers.
//
// Transfers are stamped with a Micros value: microseconds since the Unix epoch
// (UTC). A value of 0 means "not set". Code that needs deterministic time
// passes a clock.Clock and uses From.
//
//	ts := timestamp.Now()
//	ts = timestamp.From(mockClock)
//	age := timestamp.Since(ts)
package timestamp

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Micros is a Unix timestamp in microseconds.
type Micros uint64

// maxReasonable is the year 3000 in microseconds.
const maxReasonable Micros = 32503680000000000

// Now returns the current wall time.
func Now() Micros {
	return FromTime(time.Now())
}

// From returns the current time of c.
func From(c clock.Clock) Micros {
	if c == nil {
		return Now()
	}
	return FromTime(c.Now())
}

// FromTime converts t. The zero time maps to 0.
func FromTime(t time.Time) Micros {
	if t.IsZero() || t.UnixMicro() <= 0 {
		return 0
	}
	return Micros(t.UnixMicro())
}

// Time converts back to time.Time. 0 maps to the zero time.
func (m Micros) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(m))
}

// IsZero reports whether the timestamp is unset.
func (m Micros) IsZero() bool {
	return m == 0
}

// String formats as RFC3339 with microseconds, empty when unset.
func (m Micros) String() string {
	if m == 0 {
		return ""
	}
	return m.Time().UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// Since returns the time elapsed since m, 0 when m is unset.
func Since(m Micros) time.Duration {
	if m == 0 {
		return 0
	}
	return time.Since(m.Time())
}

// Between returns end-start, 0 when either is unset.
func Between(start, end Micros) time.Duration {
	if start == 0 || end == 0 {
		return 0
	}
	return time.Duration(int64(end)-int64(start)) * time.Microsecond
}

// Add shifts m by d. Unset stays unset.
func (m Micros) Add(d time.Duration) Micros {
	if m == 0 {
		return 0
	}
	return FromTime(m.Time().Add(d))
}

// Validate rejects timestamps far in the future.
func Validate(m Micros) error {
	if m > maxReasonable {
		return fmt.Errorf("timestamp too far in future: %d", uint64(m))
	}
	return nil
}

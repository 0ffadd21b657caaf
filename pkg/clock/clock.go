// Package clock provides the timestamp representation used in persisted
// dataset records: UTC seconds since the Unix epoch with a fractional part.
package clock

import (
	"math"
	"strconv"
	"time"
)

// Clock returns the current time. Handles take one so tests can pin time.
type Clock func() time.Time

// System is the wall clock.
func System() time.Time { return time.Now().UTC() }

// Timestamp is a UTC instant stored as float seconds. It marshals as a plain
// JSON number and survives a decode/encode cycle bit-for-bit.
type Timestamp float64

// FromTime converts t to a Timestamp with microsecond resolution.
func FromTime(t time.Time) Timestamp {
	return Timestamp(float64(t.UnixMicro()) / 1e6)
}

// Now reads c, falling back to the system clock when c is nil.
func Now(c Clock) Timestamp {
	if c == nil {
		return FromTime(System())
	}
	return FromTime(c())
}

// Time converts back to time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	sec, frac := math.Modf(float64(ts))
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// Sub returns ts - other as a duration.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration((float64(ts) - float64(other)) * float64(time.Second))
}

func (ts Timestamp) String() string {
	return ts.Time().Format(time.RFC3339Nano)
}

// MarshalJSON writes the shortest decimal that round-trips.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(ts), 'f', -1, 64), nil
}

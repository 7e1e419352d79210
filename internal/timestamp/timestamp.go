// Package timestamp implements the total-ordered instant used throughout
// the temporal graph model. A Timestamp wraps a UTC time at microsecond
// resolution and round-trips through the canonical ISO-8601 string form
// the backend stores on every edge.
package timestamp

import (
	"fmt"
	"time"
)

// layout is the canonical ISO-8601 UTC microsecond-resolution form
// persisted on every edge's from/to properties.
const layout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp is a total-ordered instant, usable both as a value and as a
// serialized string. An "open" end (no upper bound on a validity
// interval) is represented by a nil *Timestamp, not by this type
// itself — see Bound and its IsOpen below.
type Timestamp struct {
	t time.Time
}

// Now returns the current instant, truncated to microsecond resolution
// to match the precision the backend persists.
func Now() Timestamp {
	return Timestamp{t: time.Now().UTC().Truncate(time.Microsecond)}
}

// New wraps an existing time.Time, normalizing it to UTC microsecond
// resolution.
func New(t time.Time) Timestamp {
	return Timestamp{t: t.UTC().Truncate(time.Microsecond)}
}

// Parse parses the canonical string form. An empty string parses to the
// zero Timestamp; callers that need to distinguish "unset" from "epoch"
// should check IsZero first.
func Parse(s string) (Timestamp, error) {
	if s == "" {
		return Timestamp{}, nil
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		// Accept plain RFC3339Nano too, for values round-tripped through
		// drivers that don't preserve the exact microsecond layout.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Timestamp{}, fmt.Errorf("timestamp: invalid value %q: %w", s, err)
		}
	}
	return New(t), nil
}

// MustParse is Parse, panicking on error. Intended for literals in tests
// and fixtures, never for caller-supplied data.
func MustParse(s string) Timestamp {
	ts, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// String returns the canonical ISO-8601 UTC microsecond representation.
func (ts Timestamp) String() string {
	if ts.t.IsZero() {
		return ""
	}
	return ts.t.Format(layout)
}

// Time returns the underlying time.Time.
func (ts Timestamp) Time() time.Time { return ts.t }

// IsZero reports whether the timestamp has never been set.
func (ts Timestamp) IsZero() bool { return ts.t.IsZero() }

// Before reports ts < other.
func (ts Timestamp) Before(other Timestamp) bool { return ts.t.Before(other.t) }

// After reports ts > other.
func (ts Timestamp) After(other Timestamp) bool { return ts.t.After(other.t) }

// Equal reports ts == other at microsecond resolution.
func (ts Timestamp) Equal(other Timestamp) bool { return ts.t.Equal(other.t) }

// Compare returns -1, 0, or 1 as ts is before, equal to, or after other.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts.Before(other):
		return -1
	case ts.After(other):
		return 1
	default:
		return 0
	}
}

// Add returns ts shifted by d.
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return New(ts.t.Add(d))
}

// Sub returns the duration elapsed between other and ts.
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return ts.t.Sub(other.t)
}

// Bound represents an edge's validity interval: [From, To], with To
// itself inside the interval (see Contains). A nil To
// means the sentinel "∞" — the edge is still open-ended. Absence of an
// upper bound is represented by this pointer being nil, never by a
// Timestamp zero value.
type Bound struct {
	From Timestamp
	To   *Timestamp
}

// IsOpen reports whether the interval has no upper bound.
func (b Bound) IsOpen() bool { return b.To == nil }

// Contains reports whether t falls within [From, To], treating an open
// upper bound as always satisfied.
func (b Bound) Contains(t Timestamp) bool {
	if t.Before(b.From) {
		return false
	}
	if b.To == nil {
		return true
	}
	return !t.After(*b.To)
}

// Close returns a copy of b with its upper bound set to at. An edge's
// bound is closed exactly once in its lifetime; enforcing that belongs
// to the persistence layer (store.CloseEdges), not here.
func (b Bound) Close(at Timestamp) Bound {
	closed := at
	return Bound{From: b.From, To: &closed}
}

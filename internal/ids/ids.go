// Package ids provides opaque identifiers and the clocks the rest of the
// daemon uses for ordering and expiry decisions.
package ids

import (
	"time"

	"github.com/google/uuid"
)

// New returns a fresh 128-bit opaque identifier, rendered as its canonical
// string form. Callers must not parse structure out of it.
func New() string {
	return uuid.NewString()
}

// Clock supplies both a monotonic duration source (for timeouts and
// durations) and a wall clock (for timestamps persisted to stores). Tests
// substitute a fake Clock to make sweepers and timeouts deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now, whose monotonic
// reading time.Time already carries for duration arithmetic.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Since is a small convenience used throughout the runtime for computing
// elapsed durations from a clock's reference point.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

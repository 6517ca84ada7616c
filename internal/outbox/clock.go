package outbox

import "time"

// Clock abstracts the current time so retry scheduling and stale-entry
// eviction can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// systemClock is the production clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

package pipeline

import "time"

// Clock supplies the current time. Age and due-date computations go through
// an injected Clock so tests can control time deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

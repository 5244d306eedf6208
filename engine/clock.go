package engine

import "time"

// Clock supplies "now" in unix seconds. Each operation samples it exactly
// once and uses that snapshot for every sub-computation, so a slow operation
// cannot observe two different times.
type Clock interface {
	Now() int64
}

type systemClock struct{}

func (systemClock) Now() int64 { return time.Now().Unix() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

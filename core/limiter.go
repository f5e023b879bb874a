package core

import "fmt"

// Limiter counts bounded steps of a single run (model rounds of a turn,
// turns of an attempt). It is owned by one goroutine and not synchronized.
type Limiter struct {
	name  string
	max   int
	count int
}

// NewLimiter creates a limiter allowing max steps. If max <= 0, unlimited
// steps are allowed.
func NewLimiter(name string, max int) *Limiter {
	return &Limiter{name: name, max: max}
}

// Increment records one step and returns an error once the limit is exceeded.
func (l *Limiter) Increment() error {
	l.count++
	if l.max > 0 && l.count > l.max {
		return fmt.Errorf("exceeded max %s: %d", l.name, l.max)
	}
	return nil
}

// Exhausted reports whether no further step is allowed.
func (l *Limiter) Exhausted() bool {
	return l.max > 0 && l.count >= l.max
}

// Count returns the number of recorded steps.
func (l *Limiter) Count() int { return l.count }

// Remaining returns how many steps are left, or -1 when unlimited.
func (l *Limiter) Remaining() int {
	if l.max <= 0 {
		return -1
	}
	return l.max - l.count
}

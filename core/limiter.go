package core

import (
	"fmt"
	"sync"
)

// StepLimiter bounds the number of model calls one reaction may issue. An
// execution-level override always replaces the reactor's own default.
type StepLimiter struct {
	max  int
	used int
	mu   sync.Mutex
}

// NewStepLimiter creates a limiter allowing max calls. max <= 0 means one
// call, the smallest budget a reaction can run with.
func NewStepLimiter(max int) *StepLimiter {
	if max <= 0 {
		max = 1
	}
	return &StepLimiter{max: max}
}

// ResolveMaxModelSteps picks the effective budget: the override wins when
// set, then the reactor default, then 1.
func ResolveMaxModelSteps(override, reactorDefault int) int {
	if override > 0 {
		return override
	}
	if reactorDefault > 0 {
		return reactorDefault
	}
	return 1
}

// Take consumes one call and fails once the budget is spent.
func (l *StepLimiter) Take() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used >= l.max {
		return fmt.Errorf("exceeded max model steps: %d", l.max)
	}
	l.used++

	return nil
}

// Used returns the number of calls consumed.
func (l *StepLimiter) Used() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.used
}

// Remaining returns how many calls are left.
func (l *StepLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.max - l.used
}

package agent

import (
	"sync"
	"time"
)

// Breaker states
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

const (
	breakerFailureThreshold = 5
	breakerTimeout          = 60 * time.Second
	breakerSuccessThreshold = 2
)

// breaker tracks consecutive handler failures and fast-fails while open.
// OPEN transitions to HALF_OPEN after the cooldown elapses; HALF_OPEN closes
// again after enough consecutive successes.
type breaker struct {
	mu           sync.Mutex
	state        string
	failureCount int
	lastFailure  time.Time
	successes    int
}

func newBreaker() *breaker {
	return &breaker{state: BreakerClosed}
}

// allow reports whether an execution attempt may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if !b.lastFailure.IsZero() && time.Since(b.lastFailure) >= breakerTimeout {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	}
	return true
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	if b.state == BreakerHalfOpen && b.successes >= breakerSuccessThreshold {
		b.state = BreakerClosed
		b.failureCount = 0
	}
	if b.state == BreakerClosed && b.failureCount > 0 {
		b.failureCount--
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()
	b.successes = 0
	if b.failureCount >= breakerFailureThreshold {
		b.state = BreakerOpen
	}
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failureCount = 0
	b.successes = 0
	b.lastFailure = time.Time{}
}

func (b *breaker) currentState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

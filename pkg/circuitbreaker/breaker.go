// Package circuitbreaker guards outbound screening endpoints. A breaker
// trips after a streak of consecutive failures and rejects calls until a
// cooldown has passed.
package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker counts consecutive failures for one endpoint.
type Breaker struct {
	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool

	threshold int
	cooldown  time.Duration
}

// New returns a closed breaker. Non-positive arguments fall back to
// 5 failures and a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call may proceed. Once the cooldown has elapsed
// the breaker closes again and the next call goes through; a fresh failure
// streak is needed to reopen it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.openedAt) < b.cooldown {
		return false
	}
	b.open = false
	b.failures = 0
	return true
}

// Success clears the failure streak and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

// Failure records one failed call. The breaker opens when the streak
// reaches the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
	}
}

// State returns the open flag and current failure streak.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.open, b.failures
}

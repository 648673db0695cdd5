package federation

import (
	"sync"
	"time"
)

// breaker is a rolling-window circuit breaker keyed by provider name.
// A provider that accumulated threshold failures within window is skipped
// pre-emptively until cooldown elapses, then one probe call is let through
// per cooldown period until a success closes the circuit again.
type breaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*breakerState
}

type breakerState struct {
	failures []time.Time
	open     bool
	openedAt time.Time
}

// newBreaker builds a breaker (nil if threshold <= 0: never skips)
func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		return nil
	}
	return &breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
		state:     map[string]*breakerState{},
	}
}

// allow returns whether a call to the provider may be issued
func (b *breaker) allow(provider string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[provider]
	if !ok || !s.open {
		return true
	}
	if b.now().Sub(s.openedAt) < b.cooldown {
		return false
	}
	// half-open: let one probe through and rearm the cooldown
	s.openedAt = b.now()
	return true
}

// success closes the provider circuit and forgets its failures
func (b *breaker) success(provider string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state, provider)
}

// failure records a provider failure, opening the circuit once the rolling
// window holds threshold failures
func (b *breaker) failure(provider string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.state[provider]
	if !ok {
		s = &breakerState{}
		b.state[provider] = s
	}
	now := b.now()
	s.failures = append(s.failures, now)
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(s.failures) && s.failures[i].Before(cutoff) {
		i++
	}
	s.failures = s.failures[i:]
	if len(s.failures) >= b.threshold {
		s.open = true
		s.openedAt = now
	}
}

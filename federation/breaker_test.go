package federation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(3, time.Minute, 30*time.Second)
	b.now = func() time.Time { return now }

	assert.True(t, b.allow("alpha"))
	b.failure("alpha")
	b.failure("alpha")
	assert.True(t, b.allow("alpha"), "below threshold")
	b.failure("alpha")
	assert.False(t, b.allow("alpha"), "open at threshold")
	assert.True(t, b.allow("beta"), "providers are independent")
}

func TestBreakerRollingWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(3, time.Minute, 30*time.Second)
	b.now = func() time.Time { return now }

	b.failure("alpha")
	now = now.Add(2 * time.Minute)
	b.failure("alpha")
	b.failure("alpha")
	assert.True(t, b.allow("alpha"), "the first failure left the window")
	b.failure("alpha")
	assert.False(t, b.allow("alpha"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(2, time.Minute, 30*time.Second)
	b.now = func() time.Time { return now }

	b.failure("alpha")
	b.failure("alpha")
	assert.False(t, b.allow("alpha"))

	now = now.Add(29 * time.Second)
	assert.False(t, b.allow("alpha"), "cooldown not elapsed")

	now = now.Add(2 * time.Second)
	assert.True(t, b.allow("alpha"), "one probe after the cooldown")
	assert.False(t, b.allow("alpha"), "a single probe per cooldown")

	b.failure("alpha")
	assert.False(t, b.allow("alpha"), "failed probe keeps the circuit open")

	now = now.Add(31 * time.Second)
	assert.True(t, b.allow("alpha"))
	b.success("alpha")
	assert.True(t, b.allow("alpha"), "successful probe closes the circuit")
	assert.True(t, b.allow("alpha"))
}

func TestBreakerDisabled(t *testing.T) {
	b := newBreaker(0, time.Minute, time.Second)
	assert.Nil(t, b)
	assert.True(t, b.allow("alpha"))
	b.failure("alpha")
	b.success("alpha")
	assert.True(t, b.allow("alpha"))
}

package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestAcceptLimiterPerIP(t *testing.T) {
	l := NewAcceptLimiter(zerolog.Nop(), 1000, 1000, 1, 2)
	defer l.Close()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "per-IP burst of 2 exhausted")

	assert.True(t, l.Allow("10.0.0.2"), "other IPs unaffected")
	assert.Equal(t, 2, l.TrackedIPs())
}

func TestAcceptLimiterGlobal(t *testing.T) {
	l := NewAcceptLimiter(zerolog.Nop(), 1, 2, 1000, 1000)
	defer l.Close()

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))
	assert.False(t, l.Allow("10.0.0.3"), "global burst of 2 exhausted")
}

func TestAcceptLimiterReap(t *testing.T) {
	l := NewAcceptLimiter(zerolog.Nop(), 1000, 1000, 1000, 1000)
	defer l.Close()

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	assert.Equal(t, 2, l.TrackedIPs())

	l.mu.Lock()
	l.perIP["10.0.0.1"].lastSeen = time.Now().Add(-ipBucketTTL - time.Minute)
	l.mu.Unlock()

	l.reap()
	assert.Equal(t, 1, l.TrackedIPs())
}

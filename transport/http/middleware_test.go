package http

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	now := time.Unix(1_750_000_000, 0)
	l := NewRateLimiter(rate.Every(time.Minute), 1)
	l.now = func() time.Time { return now }
	assert.Equal(t, MinLimiterIdle, l.idle)

	for i := range 1_000 {
		l.limiter(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	assert.Equal(t, 1_000, l.Len())

	now = now.Add(5 * time.Minute)
	recent := l.limiter("recent")
	assert.Equal(t, 1_001, l.Len(), "nothing is idle yet")

	now = now.Add(6 * time.Minute)
	l.limiter("new")
	assert.Equal(t, 2, l.Len(), "only clients seen within the idle window remain")
	assert.Same(t, recent, l.limiter("recent"))
}

func TestRateLimiterKeepsBucketsUntilRefilled(t *testing.T) {
	// a full bucket takes 4096s to refill, so entries live at least that long
	l := NewRateLimiter(rate.Limit(1.0/2048), 2)
	assert.Equal(t, 4096*time.Second, l.idle)

	now := time.Unix(1_750_000_000, 0)
	l.now = func() time.Time { return now }
	l.limiter("client")

	now = now.Add(50 * time.Minute)
	l.limiter("other")
	assert.Equal(t, 2, l.Len())

	now = now.Add(20 * time.Minute)
	l.limiter("other")
	assert.Equal(t, 1, l.Len())
}

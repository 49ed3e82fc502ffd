package danzohttp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestNewThrottle(t *testing.T) {
	assert.Nil(t, newThrottle(0, 4))

	th := newThrottle(8000, 4)
	require.NotNil(t, th)
	assert.Equal(t, rate.Limit(2000), th.limiter.Limit())
	assert.Equal(t, 2000, th.burst)

	// the split never adds up to more than the global limit
	small := newThrottle(2048, 8)
	assert.Equal(t, rate.Limit(256), small.limiter.Limit())
	assert.LessOrEqual(t, float64(small.limiter.Limit())*8, float64(2048))

	tiny := newThrottle(3, 8)
	assert.Equal(t, rate.Limit(1), tiny.limiter.Limit())
	assert.Equal(t, 1, tiny.burst)

	single := newThrottle(8000, 0)
	assert.Equal(t, rate.Limit(8000), single.limiter.Limit())
}

func TestThrottleWait(t *testing.T) {
	var unlimited *throttle
	assert.NoError(t, unlimited.wait(context.Background(), 1<<30))

	th := newThrottle(2048, 1)
	require.NoError(t, th.wait(context.Background(), 2048))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, th.wait(ctx, 4096))
}

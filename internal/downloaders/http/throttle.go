package danzohttp

import (
	"context"

	"golang.org/x/time/rate"
)

// throttle is one connection's share of the global speed limit.
type throttle struct {
	limiter *rate.Limiter
	burst   int
}

// newThrottle splits globalLimit evenly over the planned connections of an
// attempt, never below one byte per second per connection. A zero limit
// disables throttling.
func newThrottle(globalLimit int64, connections int) *throttle {
	if globalLimit <= 0 {
		return nil
	}
	perConnection := max(globalLimit/int64(max(connections, 1)), 1)
	burst := int(perConnection)
	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(perConnection), burst),
		burst:   burst,
	}
}

// wait blocks until n bytes fit the budget. WaitN rejects requests larger
// than the burst, so big reads are paid in burst-sized slices.
func (t *throttle) wait(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	for n > 0 {
		take := min(n, t.burst)
		if err := t.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

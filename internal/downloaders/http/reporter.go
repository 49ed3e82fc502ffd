package danzohttp

import "sync/atomic"

// Reporter accumulates bytes received by all connections of a unit and
// forwards each delta to an optional parent aggregator.
type Reporter struct {
	total  atomic.Int64
	parent func(n int64)
}

func NewReporter(parent func(n int64)) *Reporter {
	return &Reporter{parent: parent}
}

func (r *Reporter) Report(n int64) {
	if n == 0 {
		return
	}
	r.total.Add(n)
	if r.parent != nil {
		r.parent(n)
	}
}

func (r *Reporter) Total() int64 {
	return r.total.Load()
}

func (r *Reporter) Reset() {
	r.total.Store(0)
}

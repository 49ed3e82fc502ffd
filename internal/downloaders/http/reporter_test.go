package danzohttp

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReporterAggregatesConcurrentConnections(t *testing.T) {
	var parent atomic.Int64
	r := NewReporter(func(n int64) { parent.Add(n) })

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				r.Report(512)
			}
		}()
	}
	wg.Wait()
	r.Report(0)

	assert.Equal(t, int64(8*1000*512), r.Total())
	assert.Equal(t, r.Total(), parent.Load())

	r.Reset()
	assert.Zero(t, r.Total())
	assert.Equal(t, int64(8*1000*512), parent.Load())
}

package scheduler

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tanq16/danzoq/internal/metrics"
	"github.com/tanq16/danzoq/internal/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Queueable is anything the queue can drive. *danzohttp.Unit satisfies it.
type Queueable interface {
	Start(ctx context.Context) error
	Pause()
	IsQueued() bool
	SetQueued(queued bool)
	IsCompleted() bool
}

// Queue runs its items with at most limit of them downloading at once.
type Queue struct {
	limit int64
	log   zerolog.Logger

	mu      sync.Mutex
	items   []Queueable
	running bool
	stop    context.CancelFunc
	done    chan struct{}

	onEnqueued func(Queueable)
	onDequeued func(Queueable)
}

type Option func(*Queue)

func OnEnqueued(fn func(Queueable)) Option {
	return func(q *Queue) { q.onEnqueued = fn }
}

func OnDequeued(fn func(Queueable)) Option {
	return func(q *Queue) { q.onDequeued = fn }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.log = logger }
}

func New(limit int, opts ...Option) *Queue {
	q := &Queue{
		limit: int64(max(limit, 1)),
		log:   utils.GetLogger("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends the items that are neither queued nor completed and
// returns how many were added.
func (q *Queue) Enqueue(items ...Queueable) int {
	var added []Queueable
	q.mu.Lock()
	for _, item := range items {
		if item == nil || item.IsCompleted() || slices.Contains(q.items, item) {
			continue
		}
		q.items = append(q.items, item)
		item.SetQueued(true)
		added = append(added, item)
	}
	metrics.SetQueueLength(len(q.items))
	q.mu.Unlock()
	for _, item := range added {
		if q.onEnqueued != nil {
			q.onEnqueued(item)
		}
	}
	return len(added)
}

// Dequeue removes the given items and returns how many were present.
// A dequeued item that is already downloading keeps running.
func (q *Queue) Dequeue(items ...Queueable) int {
	var removed []Queueable
	q.mu.Lock()
	for _, item := range items {
		i := slices.Index(q.items, item)
		if i < 0 {
			continue
		}
		q.items = slices.Delete(q.items, i, i+1)
		item.SetQueued(false)
		removed = append(removed, item)
	}
	metrics.SetQueueLength(len(q.items))
	q.mu.Unlock()
	for _, item := range removed {
		if q.onDequeued != nil {
			q.onDequeued(item)
		}
	}
	return len(removed)
}

func (q *Queue) IsQueued(item Queueable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Contains(q.items, item)
}

// Items returns a copy of the queue in order.
func (q *Queue) Items() []Queueable {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// All iterates over a snapshot of the queue.
func (q *Queue) All() iter.Seq[Queueable] {
	return slices.Values(q.Items())
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// run is the state of one pass over the queue.
type run struct {
	ctx   context.Context
	stop  context.CancelFunc
	done  chan struct{}
	items []Queueable
}

// Run starts every queued item, at most limit at a time, and blocks until
// all tasks have finished or the queue is stopped. Items enqueued while a run
// is in progress wait for the next run. Calling Run on a running queue is a
// no-op.
func (q *Queue) Run(ctx context.Context) {
	if r := q.begin(ctx); r != nil {
		q.execute(r)
	}
}

// Start runs the queue in the background.
func (q *Queue) Start(ctx context.Context) {
	if r := q.begin(ctx); r != nil {
		go q.execute(r)
	}
}

func (q *Queue) begin(ctx context.Context) *run {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return nil
	}
	runCtx, stop := context.WithCancel(ctx)
	q.running = true
	q.stop = stop
	q.done = make(chan struct{})
	return &run{ctx: runCtx, stop: stop, done: q.done, items: slices.Clone(q.items)}
}

func (q *Queue) execute(r *run) {
	defer func() {
		r.stop()
		q.mu.Lock()
		q.running = false
		q.stop = nil
		q.mu.Unlock()
		close(r.done)
	}()

	q.log.Debug().Int("items", len(r.items)).Int64("limit", q.limit).Msg("Queue started")
	sem := semaphore.NewWeighted(q.limit)
	var g errgroup.Group
	for _, item := range r.items {
		g.Go(func() error {
			if err := sem.Acquire(r.ctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)
			if r.ctx.Err() != nil || !q.IsQueued(item) {
				return nil
			}
			q.runItem(r.ctx, item)
			return nil
		})
	}
	g.Wait()
	q.log.Debug().Int("remaining", q.Len()).Msg("Queue finished")
}

func (q *Queue) runItem(ctx context.Context, item Queueable) {
	metrics.AddQueueActive(1)
	defer metrics.AddQueueActive(-1)
	err := item.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		q.log.Error().Err(err).Str("item", describe(item)).Msg("Queued download failed")
	}
	if item.IsCompleted() {
		q.Dequeue(item)
	}
}

// Stop prevents further admissions and pauses every queued item.
func (q *Queue) Stop() {
	q.mu.Lock()
	stop := q.stop
	items := slices.Clone(q.items)
	q.mu.Unlock()
	if stop != nil {
		stop()
	}
	for _, item := range items {
		item.Pause()
	}
}

// StopAndWait stops the queue and blocks until the running tasks have
// returned or ctx is done.
func (q *Queue) StopAndWait(ctx context.Context) error {
	q.mu.Lock()
	done := q.done
	q.mu.Unlock()
	q.Stop()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func describe(item Queueable) string {
	if s, ok := item.(interface{ String() string }); ok {
		return s.String()
	}
	return "item"
}

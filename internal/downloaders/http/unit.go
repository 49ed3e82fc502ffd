package danzohttp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/danzoq/internal/metrics"
	"github.com/tanq16/danzoq/internal/utils"
)

// Unit is one URL-to-file transfer with its own connections and state machine.
type Unit struct {
	mu sync.Mutex

	id          string
	url         string
	finalURL    string
	destination string
	overwrite   bool
	createdAt   time.Time
	completedAt time.Time
	totalBytes  int64 // -1 until known
	connLimit   int
	statusCode  int
	status      Status
	queued      bool
	speed       int64 // -1 until sampled
	eta         time.Duration
	lastErr     error

	downloaded  atomic.Int64
	activeConns atomic.Int32
	session     *Reporter

	cfg      Config
	client   *utils.HTTPClient
	observer Observer
	progress func(n int64)
	log      zerolog.Logger

	// set while an attempt is in flight
	stop   atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Unit)

// WithOverwrite replaces an existing destination instead of picking a new name.
func WithOverwrite(overwrite bool) Option {
	return func(u *Unit) { u.overwrite = overwrite }
}

func WithObserver(observer Observer) Option {
	return func(u *Unit) {
		if observer != nil {
			u.observer = observer
		}
	}
}

// WithProgress registers a callback receiving every byte delta.
func WithProgress(fn func(n int64)) Option {
	return func(u *Unit) { u.progress = fn }
}

func WithHTTPClient(client *utils.HTTPClient) Option {
	return func(u *Unit) { u.client = client }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(u *Unit) { u.log = logger }
}

// New builds a fresh unit in the Ready state.
func New(url, destination string, cfg Config, opts ...Option) *Unit {
	u := newUnit(uuid.NewString(), url, destination, cfg, opts...)
	u.observer.Created(u)
	return u
}

func newUnit(id, url, destination string, cfg Config, opts ...Option) *Unit {
	u := &Unit{
		id:          id,
		url:         url,
		destination: destination,
		createdAt:   time.Now(),
		totalBytes:  -1,
		speed:       -1,
		status:      StatusReady,
		cfg:         cfg.normalized(),
		observer:    NopObserver{},
		log:         utils.GetLogger("unit"),
	}
	u.connLimit = u.cfg.MaxConnections
	for _, opt := range opts {
		opt(u)
	}
	u.log = u.log.With().Str("unit", id).Logger()
	if u.client == nil {
		httpCfg := u.cfg.HTTP
		httpCfg.HighThreadMode = u.cfg.MaxConnections > 5
		u.client = utils.NewHTTPClient(httpCfg)
	}
	u.session = NewReporter(func(n int64) {
		u.downloaded.Add(n)
		metrics.AddBytes(n)
		if u.progress != nil {
			u.progress(n)
		}
	})
	return u
}

func (u *Unit) ID() string  { return u.id }
func (u *Unit) URL() string { return u.url }

func (u *Unit) Destination() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.destination
}

func (u *Unit) Overwrite() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.overwrite
}

func (u *Unit) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// TotalBytes reports the resource size and whether it is known.
func (u *Unit) TotalBytes() (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.totalBytes, u.totalBytes >= 0
}

func (u *Unit) BytesDownloaded() int64 {
	return u.downloaded.Load()
}

func (u *Unit) SessionBytes() int64 {
	return u.session.Total()
}

// Progress is the completed percentage, 0 when the size is unknown.
func (u *Unit) Progress() float64 {
	total, ok := u.TotalBytes()
	if !ok || total == 0 {
		return 0
	}
	return float64(u.BytesDownloaded()) / float64(total) * 100
}

func (u *Unit) SupportsResume() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.supportsResume()
}

func (u *Unit) supportsResume() bool {
	return u.totalBytes > 0
}

// Speed is the last sampled throughput in bytes per second.
func (u *Unit) Speed() (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.speed, u.speed >= 0
}

func (u *Unit) ETA() (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.eta, u.speed > 0 && u.totalBytes >= 0
}

func (u *Unit) ActiveConnections() int {
	return int(u.activeConns.Load())
}

func (u *Unit) ConnectionLimit() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connLimit
}

func (u *Unit) CreatedAt() time.Time {
	return u.createdAt
}

func (u *Unit) CompletedAt() (time.Time, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.completedAt, !u.completedAt.IsZero()
}

func (u *Unit) StatusCode() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.statusCode
}

// Err is the failure that last drove the unit to Errored.
func (u *Unit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

func (u *Unit) IsCompleted() bool {
	return u.Status() == StatusCompleted
}

func (u *Unit) IsQueued() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.queued
}

func (u *Unit) SetQueued(queued bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queued = queued
}

func (u *Unit) String() string {
	return fmt.Sprintf("%s -> %s", u.url, u.Destination())
}

// Pause asks the in-flight attempt to stop and keep its part files.
// It is a no-op when the unit is not downloading.
func (u *Unit) Pause() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cancel == nil {
		return
	}
	if u.stop.CompareAndSwap(int32(stopNone), int32(stopPause)) {
		u.log.Debug().Msg("Pause requested")
		u.cancel()
	}
}

// Cancel discards all progress and returns the unit to Ready. While an
// attempt is in flight the cleanup runs when it unwinds.
func (u *Unit) Cancel() {
	u.mu.Lock()
	if u.cancel != nil {
		// cancel supersedes a pending pause
		if u.stop.CompareAndSwap(int32(stopNone), int32(stopCancel)) ||
			u.stop.CompareAndSwap(int32(stopPause), int32(stopCancel)) {
			u.log.Debug().Msg("Cancel requested")
			u.cancel()
		}
		u.mu.Unlock()
		return
	}
	if u.status == StatusDownloading {
		// the attempt is unwinding; cancel whatever state it settles in
		done := u.done
		u.mu.Unlock()
		<-done
		u.Cancel()
		return
	}
	if u.status == StatusCompleted {
		u.mu.Unlock()
		return
	}
	removeDestination := u.status == StatusPaused || u.status == StatusErrored
	u.mu.Unlock()

	u.discard(removeDestination)
	u.setStatus(StatusReady)
}

// PauseAndWait pauses and blocks until every file handle of the attempt is released.
func (u *Unit) PauseAndWait(ctx context.Context) error {
	u.Pause()
	return u.Wait(ctx)
}

func (u *Unit) CancelAndWait(ctx context.Context) error {
	u.Cancel()
	return u.Wait(ctx)
}

// Wait blocks until the in-flight attempt, if any, has finished.
func (u *Unit) Wait(ctx context.Context) error {
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()
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

func (u *Unit) setStatus(status Status) {
	u.mu.Lock()
	changed := u.status != status
	u.status = status
	u.mu.Unlock()
	if changed {
		u.observer.Changed(u, FieldStatus)
	}
}

// discard removes part files, optionally the partial destination, and
// zeroes the byte counters.
func (u *Unit) discard(removeDestination bool) {
	u.mu.Lock()
	destination := u.destination
	u.mu.Unlock()
	u.removeParts(destination)
	if removeDestination {
		if err := utils.RemoveWithRetry(destination, u.cfg.MaxRetries, u.cfg.RetryDelay); err != nil {
			u.log.Warn().Err(err).Str("file", destination).Msg("Could not remove partial destination")
		}
	}
	u.downloaded.Store(0)
	u.session.Reset()
	u.observer.Changed(u, FieldProgress)
}

func (u *Unit) removeParts(destination string) {
	parts, err := utils.ListPartFiles(destination)
	if err != nil {
		u.log.Warn().Err(err).Str("output", destination).Msg("Could not list part files")
		return
	}
	for _, part := range parts {
		if err := utils.RemoveWithRetry(part, u.cfg.MaxRetries, u.cfg.RetryDelay); err != nil {
			u.log.Warn().Err(err).Str("file", part).Msg("Could not remove part file")
		}
	}
}

package danzohttp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tanq16/danzoq/internal/metrics"
	"github.com/tanq16/danzoq/internal/utils"
	"golang.org/x/sync/errgroup"
)

const sampleInterval = time.Second

// attempt is the immutable plan of one Start call.
type attempt struct {
	url         string
	destination string
	resumable   bool
	ranges      []byteRange
	throttle    func() *throttle
}

// Start runs one download attempt and blocks until it ends. It is a no-op
// for a unit that is already downloading or completed. The returned error is
// the failure that left the unit Errored; pause, cancel and completion all
// return nil. Cancelling ctx has the same effect as Pause.
func (u *Unit) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.status == StatusDownloading || u.status == StatusCompleted {
		u.mu.Unlock()
		return nil
	}
	previous := u.status
	attemptCtx, cancel := context.WithCancel(ctx)
	u.stop.Store(int32(stopNone))
	u.cancel = cancel
	u.done = make(chan struct{})
	u.status = StatusDownloading
	u.lastErr = nil
	u.speed = -1
	done := u.done
	u.mu.Unlock()
	defer close(done)
	defer cancel()

	u.session.Reset()
	metrics.IncStarted()
	begin := time.Now()
	u.observer.Changed(u, FieldStatus)
	u.observer.Started(u)
	u.log.Info().Str("url", u.url).Str("output", u.Destination()).Str("from", previous.String()).Msg("Download started")

	err := u.download(attemptCtx, previous)
	status, err := u.finish(ctx, err)

	metrics.IncFinished(status.String())
	metrics.ObserveAttempt(time.Since(begin).Seconds())
	u.observer.Stopped(u)
	return err
}

// finish maps the outcome of an attempt to the next state.
func (u *Unit) finish(parent context.Context, err error) (Status, error) {
	u.mu.Lock()
	reason := stopReason(u.stop.Load())
	u.cancel = nil
	resumable := u.supportsResume()
	u.speed = -1
	u.mu.Unlock()
	u.activeConns.Store(0)

	if err != nil && reason == stopNone && parent.Err() != nil {
		reason = stopPause
	}

	var status Status
	switch {
	case reason == stopCancel:
		// a cancel that lands while parts are merged still discards the result
		u.discard(true)
		u.mu.Lock()
		u.completedAt = time.Time{}
		u.mu.Unlock()
		status = StatusReady
		u.log.Info().Msg("Download cancelled")
	case err == nil:
		status = StatusCompleted
		u.log.Info().Str("output", u.Destination()).Str("size", utils.FormatBytes(uint64(u.BytesDownloaded()))).Msg("Download completed")
	case reason == stopPause && resumable && u.BytesDownloaded() > 0:
		status = StatusPaused
		u.log.Info().Int64("downloaded", u.BytesDownloaded()).Msg("Download paused")
	case reason == stopPause:
		u.discard(true)
		status = StatusReady
		u.log.Info().Msg("Download stopped with nothing to resume")
	default:
		if !resumable {
			u.removeParts(u.Destination())
		}
		status = StatusErrored
		u.log.Error().Err(err).Msg("Download failed")
	}

	u.mu.Lock()
	u.status = status
	if status == StatusErrored {
		u.lastErr = err
	}
	u.mu.Unlock()
	u.observer.Changed(u, FieldSpeed)
	u.observer.Changed(u, FieldStatus)
	if status == StatusErrored {
		return status, err
	}
	return status, nil
}

func (u *Unit) download(ctx context.Context, previous Status) error {
	if err := utils.ValidateURL(u.url); err != nil {
		return err
	}
	u.mu.Lock()
	resuming := previous != StatusReady && u.supportsResume()
	finalURL := u.finalURL
	u.mu.Unlock()

	if !resuming {
		if err := u.prepareFresh(); err != nil {
			return err
		}
		probe, err := u.probe(ctx)
		if err != nil {
			return err
		}
		finalURL = probe.FinalURL
		u.mu.Lock()
		u.connLimit = planConnections(u.cfg.MaxConnections, u.totalBytes, probe.AcceptRanges, u.cfg.BufferSize)
		u.mu.Unlock()
		u.observer.Changed(u, FieldTotalBytes)
		u.observer.Changed(u, FieldConnectionLimit)
	}
	if finalURL == "" {
		finalURL = u.url
	}

	u.mu.Lock()
	a := &attempt{
		url:         finalURL,
		destination: u.destination,
		resumable:   u.supportsResume(),
		ranges:      partition(u.totalBytes, u.connLimit),
	}
	connLimit := u.connLimit
	u.mu.Unlock()
	if !a.resumable {
		a.ranges = partition(-1, 1)
	}
	if err := os.MkdirAll(filepath.Dir(a.destination), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	if resuming {
		u.downloaded.Store(u.sanitizeParts(a))
		u.observer.Changed(u, FieldProgress)
	}
	a.throttle = func() *throttle { return newThrottle(u.cfg.SpeedLimit, connLimit) }
	u.log.Debug().Int("connections", connLimit).Bool("resumable", a.resumable).Bool("resuming", resuming).Int64("downloaded", u.BytesDownloaded()).Msg("Download planned")

	sampleDone := make(chan struct{})
	go u.sample(sampleDone)
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range a.ranges {
		g.Go(func() error {
			return u.runConnection(gctx, a, i, r)
		})
	}
	err := g.Wait()
	close(sampleDone)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	size, err := u.assemble(a.destination, len(a.ranges))
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.totalBytes = size
	u.completedAt = time.Now()
	u.mu.Unlock()
	u.downloaded.Store(size)
	u.observer.Changed(u, FieldTotalBytes)
	u.observer.Changed(u, FieldProgress)
	return nil
}

// prepareFresh clears leftovers of earlier attempts and applies the
// overwrite policy to an existing destination.
func (u *Unit) prepareFresh() error {
	u.mu.Lock()
	destination := u.destination
	overwrite := u.overwrite
	u.mu.Unlock()

	u.removeParts(destination)
	u.downloaded.Store(0)
	if !utils.FileExists(destination) {
		return nil
	}
	if overwrite {
		if err := utils.RemoveWithRetry(destination, u.cfg.MaxRetries, u.cfg.RetryDelay); err != nil {
			return fmt.Errorf("error removing existing output file: %w", err)
		}
		u.log.Debug().Str("output", destination).Msg("Existing output removed")
		return nil
	}
	renewed := utils.RenewOutputPath(destination)
	u.mu.Lock()
	u.destination = renewed
	u.mu.Unlock()
	u.log.Info().Str("previous", destination).Str("output", renewed).Msg("Output exists, using new name")
	u.observer.Changed(u, FieldDestination)
	return nil
}

func (u *Unit) probe(ctx context.Context) (*ProbeResult, error) {
	var result *ProbeResult
	policy := utils.RetryPolicy{MaxAttempts: u.cfg.MaxRetries, BaseDelay: u.cfg.RetryDelay, Retryable: isTransient}
	err := utils.Retry(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			u.log.Debug().Int("attempt", attempt+1).Msg("Retrying probe")
		}
		probeCtx, cancel := context.WithTimeout(ctx, u.cfg.ReadTimeout)
		defer cancel()
		var err error
		result, err = Probe(probeCtx, u.client, u.url)
		if err != nil && errors.Is(probeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("probe: %w", utils.ErrReadTimeout)
		}
		return err
	})
	if result != nil {
		u.mu.Lock()
		u.statusCode = result.StatusCode
		u.mu.Unlock()
	}
	if err != nil {
		return nil, err
	}
	u.mu.Lock()
	u.finalURL = result.FinalURL
	u.totalBytes = result.TotalBytes
	u.mu.Unlock()
	u.log.Debug().Str("finalURL", result.FinalURL).Int64("size", result.TotalBytes).Bool("ranges", result.AcceptRanges).Msg("Resource probed")
	return result, nil
}

// sanitizeParts drops part files that outgrew their range and returns the
// bytes already on disk.
func (u *Unit) sanitizeParts(a *attempt) int64 {
	var total int64
	for i, r := range a.ranges {
		part := utils.PartFilePath(a.destination, i)
		size := utils.FileSize(part)
		if r.length() >= 0 && size > r.length() {
			u.log.Warn().Str("file", filepath.Base(part)).Int64("size", size).Int64("expected", r.length()).Msg("Part file larger than expected, removing and redownloading")
			if err := utils.RemoveWithRetry(part, u.cfg.MaxRetries, u.cfg.RetryDelay); err != nil {
				u.log.Warn().Err(err).Str("file", part).Msg("Could not remove part file")
			}
			continue
		}
		total += size
	}
	return total
}

// sample refreshes speed and ETA until done is closed.
func (u *Unit) sample(done <-chan struct{}) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	last := u.session.Total()
	lastTime := time.Now()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			current := u.session.Total()
			elapsed := now.Sub(lastTime).Seconds()
			if elapsed <= 0 {
				continue
			}
			speed := int64(float64(current-last) / elapsed)
			u.mu.Lock()
			u.speed = speed
			u.eta = 0
			if speed > 0 && u.totalBytes >= 0 {
				remaining := max(u.totalBytes-u.downloaded.Load(), 0)
				u.eta = time.Duration(float64(remaining) / float64(speed) * float64(time.Second))
			}
			u.mu.Unlock()
			last, lastTime = current, now
			u.observer.Changed(u, FieldSpeed)
			u.observer.Changed(u, FieldProgress)
		}
	}
}

package danzohttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tanq16/danzoq/internal/metrics"
	"github.com/tanq16/danzoq/internal/utils"
)

var (
	errServerStatus = errors.New("server error")
	errPartFile     = errors.New("part file error")
)

// runConnection fills one part file, retrying transient failures. Bytes
// already on disk are kept between retries.
func (u *Unit) runConnection(ctx context.Context, a *attempt, index int, r byteRange) error {
	if err := utils.Sleep(ctx, time.Duration(index)*u.cfg.StaggerDelay); err != nil {
		return err
	}
	part := utils.PartFilePath(a.destination, index)
	th := a.throttle()
	log := u.log.With().Int("connection", index).Logger()
	policy := utils.RetryPolicy{MaxAttempts: u.cfg.MaxRetries, BaseDelay: u.cfg.RetryDelay, Retryable: isTransient}
	err := utils.Retry(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			metrics.IncRetries()
			log.Debug().Int("attempt", attempt+1).Msg("Retrying connection")
		}
		err := u.downloadRange(ctx, a, r, part, th)
		if err != nil && ctx.Err() == nil {
			log.Debug().Err(err).Str("file", filepath.Base(part)).Msg("Connection failed")
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("connection %d: %w", index, err)
	}
	return nil
}

// downloadRange issues one request for the missing tail of r and appends
// the body to the part file.
func (u *Unit) downloadRange(ctx context.Context, a *attempt, r byteRange, part string, th *throttle) error {
	written := utils.FileSize(part)
	length := r.length()
	if length >= 0 && written >= length {
		return nil
	}
	start := r.Start + written

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(u.cfg.ReadTimeout, func() { cancel(utils.ErrReadTimeout) })
	defer idle.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrInvalidURL, err)
	}
	rangeRequested := a.resumable
	if rangeRequested {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, r.End-1))
	}
	req.Header.Set("Connection", "keep-alive")

	u.connectionOpened()
	defer u.connectionClosed()
	resp, err := u.client.Do(req)
	if err != nil {
		return u.requestErr(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	var skip int64
	switch {
	case resp.StatusCode == http.StatusPartialContent && rangeRequested:
	case resp.StatusCode == http.StatusOK:
		// whole body from byte zero
		skip = written
		if rangeRequested {
			skip = start
		}
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", errServerStatus, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", utils.ErrInvalidResource, resp.StatusCode)
	}

	body := &idleReader{r: resp.Body, timer: idle, timeout: u.cfg.ReadTimeout}
	if skip > 0 {
		if _, err := io.CopyN(io.Discard, body, skip); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return u.requestErr(ctx, reqCtx, err)
		}
	}

	file, err := os.OpenFile(part, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", errPartFile, err)
	}
	defer file.Close()

	remaining := int64(-1)
	if length >= 0 {
		remaining = length - written
	}
	buffer := make([]byte, u.cfg.BufferSize)
	for remaining != 0 {
		chunk := buffer
		if remaining > 0 && remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, readErr := body.Read(chunk)
		if n > 0 {
			if _, err := file.Write(chunk[:n]); err != nil {
				return fmt.Errorf("%w: %v", errPartFile, err)
			}
			u.session.Report(int64(n))
			if remaining > 0 {
				remaining -= int64(n)
			}
			if th != nil {
				// throttling is not idleness
				idle.Stop()
				if err := th.wait(ctx, n); err != nil {
					return err
				}
				idle.Reset(u.cfg.ReadTimeout)
			}
		}
		if readErr == io.EOF {
			if remaining > 0 {
				return io.ErrUnexpectedEOF
			}
			break
		}
		if readErr != nil {
			return u.requestErr(ctx, reqCtx, readErr)
		}
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", errPartFile, err)
	}
	return nil
}

// requestErr turns a cancellation caused by the idle timer into a
// retryable read timeout.
func (u *Unit) requestErr(ctx, reqCtx context.Context, err error) error {
	if ctx.Err() == nil && errors.Is(context.Cause(reqCtx), utils.ErrReadTimeout) {
		return fmt.Errorf("%w: no data for %s", utils.ErrReadTimeout, u.cfg.ReadTimeout)
	}
	return err
}

func (u *Unit) connectionOpened() {
	u.activeConns.Add(1)
	metrics.AddActiveConnections(1)
	u.observer.Changed(u, FieldActiveConnections)
}

func (u *Unit) connectionClosed() {
	u.activeConns.Add(-1)
	metrics.AddActiveConnections(-1)
	u.observer.Changed(u, FieldActiveConnections)
}

// isTransient reports whether a failed request is worth repeating.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, utils.ErrInvalidResource), errors.Is(err, utils.ErrInvalidURL):
		return false
	case errors.Is(err, errPartFile):
		return false
	}
	return true
}

// idleReader pushes back the read deadline every time data arrives.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

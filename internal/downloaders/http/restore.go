package danzohttp

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tanq16/danzoq/internal/utils"
)

// Snapshot captures the persistable fields of the unit.
func (u *Unit) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := Snapshot{
		ID:              u.id,
		URL:             u.url,
		Destination:     u.destination,
		Overwrite:       u.overwrite,
		CreatedAt:       u.createdAt,
		ConnectionLimit: u.connLimit,
		StatusCode:      u.statusCode,
		Status:          u.status,
		Queued:          u.queued,
	}
	if !u.completedAt.IsZero() {
		completedAt := u.completedAt
		s.CompletedAt = &completedAt
	}
	if u.totalBytes >= 0 {
		total := u.totalBytes
		s.TotalBytes = &total
	}
	return s
}

// Restore rebuilds a unit from a snapshot and reconciles the claimed status
// with what is actually on disk.
func Restore(s Snapshot, cfg Config, opts ...Option) (*Unit, error) {
	if s.ID == "" || s.URL == "" || s.Destination == "" {
		return nil, errors.New("snapshot is missing id, url or destination")
	}
	u := newUnit(s.ID, s.URL, s.Destination, cfg, opts...)
	u.overwrite = s.Overwrite
	if !s.CreatedAt.IsZero() {
		u.createdAt = s.CreatedAt
	}
	if s.CompletedAt != nil {
		u.completedAt = *s.CompletedAt
	}
	if s.TotalBytes != nil && *s.TotalBytes >= 0 {
		u.totalBytes = *s.TotalBytes
	}
	u.connLimit = max(s.ConnectionLimit, 1)
	u.statusCode = s.StatusCode
	u.queued = s.Queued

	status, downloaded, err := u.reconcile(s.Status)
	if err != nil {
		u.lastErr = err
		u.log.Warn().Err(err).Str("claimed", s.Status.String()).Msg("Snapshot does not match disk")
	}
	u.status = status
	u.downloaded.Store(downloaded)
	u.log.Debug().Str("status", status.String()).Int64("downloaded", downloaded).Msg("Unit restored")
	u.observer.Created(u)
	return u, nil
}

func (u *Unit) reconcile(claimed Status) (Status, int64, error) {
	partBytes, err := u.resumableBytes()
	if err != nil {
		return StatusErrored, 0, err
	}
	if u.totalBytes >= 0 && partBytes > u.totalBytes {
		return StatusErrored, 0, fmt.Errorf("%w: parts hold %d bytes of %d", utils.ErrSizeMismatch, partBytes, u.totalBytes)
	}

	switch claimed {
	case StatusCompleted:
		info, err := os.Stat(u.destination)
		if err != nil {
			return StatusErrored, 0, fmt.Errorf("completed download missing: %w", err)
		}
		if u.totalBytes >= 0 && info.Size() != u.totalBytes {
			return StatusErrored, 0, fmt.Errorf("%w: destination has %d bytes, expected %d", utils.ErrSizeMismatch, info.Size(), u.totalBytes)
		}
		u.removeParts(u.destination)
		if u.completedAt.IsZero() {
			u.completedAt = time.Now()
		}
		return StatusCompleted, info.Size(), nil
	case StatusDownloading, StatusPaused:
		if u.supportsResume() && partBytes > 0 {
			return StatusPaused, partBytes, nil
		}
		u.removeParts(u.destination)
		return StatusReady, 0, nil
	case StatusErrored:
		if u.supportsResume() {
			return StatusErrored, partBytes, nil
		}
		return StatusErrored, 0, nil
	default:
		return StatusReady, 0, nil
	}
}

// resumableBytes sums the part files that belong to the planned connections.
func (u *Unit) resumableBytes() (int64, error) {
	parts, err := utils.ListPartFiles(u.destination)
	if err != nil {
		return 0, err
	}
	var total int64
	for index, part := range parts {
		if index >= u.connLimit {
			continue
		}
		total += utils.FileSize(part)
	}
	return total, nil
}

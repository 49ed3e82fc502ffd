package danzohttp

import (
	"fmt"
	"io"
	"os"

	"github.com/tanq16/danzoq/internal/utils"
)

// assemble joins the part files into destination in index order and returns
// the final size. A single part is renamed into place.
func (u *Unit) assemble(destination string, parts int) (int64, error) {
	if parts == 1 {
		part := utils.PartFilePath(destination, 0)
		if err := utils.RemoveWithRetry(destination, u.cfg.MaxRetries, u.cfg.RetryDelay); err != nil {
			return 0, fmt.Errorf("%w: %v", utils.ErrMergeFailed, err)
		}
		if err := os.Rename(part, destination); err != nil {
			return 0, fmt.Errorf("%w: %v", utils.ErrMergeFailed, err)
		}
		return u.verifySize(destination)
	}

	dest, err := os.Create(destination)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", utils.ErrMergeFailed, err)
	}
	for i := range parts {
		if err := appendPart(dest, utils.PartFilePath(destination, i)); err != nil {
			dest.Close()
			return 0, fmt.Errorf("%w: part %d: %v", utils.ErrMergeFailed, i, err)
		}
	}
	if err := dest.Sync(); err != nil {
		dest.Close()
		return 0, fmt.Errorf("%w: %v", utils.ErrMergeFailed, err)
	}
	if err := dest.Close(); err != nil {
		return 0, fmt.Errorf("%w: %v", utils.ErrMergeFailed, err)
	}
	for i := range parts {
		part := utils.PartFilePath(destination, i)
		if err := utils.RemoveWithRetry(part, u.cfg.MaxRetries, u.cfg.RetryDelay); err != nil {
			u.log.Warn().Err(err).Str("file", part).Msg("Could not remove part file after merge")
		}
	}
	return u.verifySize(destination)
}

// appendPart copies one part onto dest. Empty ranges never create a part
// file, so a missing part contributes nothing.
func appendPart(dest io.Writer, part string) error {
	f, err := os.Open(part)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dest, f)
	return err
}

func (u *Unit) verifySize(destination string) (int64, error) {
	info, err := os.Stat(destination)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", utils.ErrMergeFailed, err)
	}
	total, known := u.TotalBytes()
	if known && total > 0 && info.Size() != total {
		return 0, fmt.Errorf("%w: expected %d bytes, got %d", utils.ErrSizeMismatch, total, info.Size())
	}
	u.log.Debug().Str("output", destination).Int64("size", info.Size()).Msg("Part files merged")
	return info.Size(), nil
}

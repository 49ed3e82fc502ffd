package utils

import (
	"errors"
	"time"
)

const DefaultBufferSize = 1024 * 1024 * 2 // 2MB buffer
const PartFileExt = ".part"
const LogFile = ".danzoq.log"
const ToolUserAgent = "danzoq/1337"

const (
	DefaultConnections  = 8
	DefaultTimeout      = 60 * time.Second
	DefaultKATimeout    = 90 * time.Second
	DefaultRetries      = 5
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultStaggerDelay = 100 * time.Millisecond
	DefaultWorkers      = 3
)

var (
	ErrInvalidURL      = errors.New("invalid URL")
	ErrInvalidResource = errors.New("invalid URL or resource")
	ErrMergeFailed     = errors.New("merging part files failed")
	ErrSizeMismatch    = errors.New("size mismatch")
	ErrReadTimeout     = errors.New("read timed out")
)

// Local-only User-Agent list
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:135.0) Gecko/20100101 Firefox/135.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.3 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36 Edg/132.0.0.0",
	"curl/7.88.1",
	"Wget/1.21.4",
}

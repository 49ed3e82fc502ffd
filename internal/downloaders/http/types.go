package danzohttp

import (
	"fmt"
	"strings"
	"time"

	"github.com/tanq16/danzoq/internal/utils"
)

type Status int

const (
	StatusReady Status = iota
	StatusDownloading
	StatusPaused
	StatusCompleted
	StatusErrored
)

var statusNames = map[Status]string{
	StatusReady:       "ready",
	StatusDownloading: "downloading",
	StatusPaused:      "paused",
	StatusCompleted:   "completed",
	StatusErrored:     "errored",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for status, statusName := range statusNames {
		if statusName == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// Field identifies which observable part of a unit changed.
type Field int

const (
	FieldStatus Field = iota
	FieldProgress
	FieldSpeed
	FieldTotalBytes
	FieldConnectionLimit
	FieldActiveConnections
	FieldDestination
)

// Observer receives lifecycle notifications from a unit. Calls happen on
// download goroutines and must not block.
type Observer interface {
	Created(u *Unit)
	Started(u *Unit)
	Stopped(u *Unit)
	Changed(u *Unit, field Field)
}

type NopObserver struct{}

func (NopObserver) Created(*Unit)        {}
func (NopObserver) Started(*Unit)        {}
func (NopObserver) Stopped(*Unit)        {}
func (NopObserver) Changed(*Unit, Field) {}

// Config is captured when a unit is built and stays fixed across its attempts.
type Config struct {
	MaxConnections int
	SpeedLimit     int64 // bytes per second, 0 means unlimited
	ReadTimeout    time.Duration
	BufferSize     int
	MaxRetries     int
	RetryDelay     time.Duration
	StaggerDelay   time.Duration
	HTTP           utils.HTTPClientConfig
}

func DefaultConfig() Config {
	return Config{
		MaxConnections: utils.DefaultConnections,
		ReadTimeout:    utils.DefaultTimeout,
		BufferSize:     utils.DefaultBufferSize,
		MaxRetries:     utils.DefaultRetries,
		RetryDelay:     utils.DefaultRetryDelay,
		StaggerDelay:   utils.DefaultStaggerDelay,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.StaggerDelay < 0 {
		c.StaggerDelay = 0
	}
	if c.SpeedLimit < 0 {
		c.SpeedLimit = 0
	}
	return c
}

// Snapshot is the persisted form of a unit.
type Snapshot struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	Destination     string     `yaml:"destination"`
	Overwrite       bool       `yaml:"overwrite"`
	CreatedAt       time.Time  `yaml:"created_at"`
	CompletedAt     *time.Time `yaml:"completed_at,omitempty"`
	TotalBytes      *int64     `yaml:"total_bytes,omitempty"`
	ConnectionLimit int        `yaml:"connection_limit"`
	StatusCode      int        `yaml:"status_code,omitempty"`
	Status          Status     `yaml:"status"`
	Queued          bool       `yaml:"queued"`
}

type byteRange struct {
	Start int64
	End   int64 // exclusive, -1 when the size is unknown
}

type stopReason int32

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

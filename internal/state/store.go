package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	danzohttp "github.com/tanq16/danzoq/internal/downloaders/http"
	"github.com/tanq16/danzoq/internal/utils"
	"gopkg.in/yaml.v3"
)

const DefaultFile = ".danzoq-state.yaml"

const fileVersion = 1

type document struct {
	Version int                  `yaml:"version"`
	Units   []danzohttp.Snapshot `yaml:"units"`
}

// Store persists unit snapshots to a single YAML file.
type Store struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

func NewStore(path string) *Store {
	if path == "" {
		path = DefaultFile
	}
	return &Store{path: filepath.Clean(path), log: utils.GetLogger("state")}
}

func (s *Store) Path() string { return s.path }

// Load reads the snapshots. A missing or empty file is an empty state.
func (s *Store) Load() ([]danzohttp.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debug().Str("file", s.path).Msg("No state file, starting empty")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading state file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing state file: %w", err)
	}
	if doc.Version > fileVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported %d", doc.Version, fileVersion)
	}
	s.log.Debug().Str("file", s.path).Int("units", len(doc.Units)).Msg("State loaded")
	return doc.Units, nil
}

// Save replaces the state file through a temp file and rename.
func (s *Store) Save(snapshots []danzohttp.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := yaml.Marshal(document{Version: fileVersion, Units: snapshots})
	if err != nil {
		return fmt.Errorf("error encoding state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating state directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error replacing state file: %w", err)
	}
	s.log.Debug().Str("file", s.path).Int("units", len(snapshots)).Msg("State saved")
	return nil
}

// SaveUnits snapshots the given units and saves them.
func (s *Store) SaveUnits(units []*danzohttp.Unit) error {
	snapshots := make([]danzohttp.Snapshot, 0, len(units))
	for _, u := range units {
		snapshots = append(snapshots, u.Snapshot())
	}
	return s.Save(snapshots)
}

// RestoreUnits loads the state and rebuilds every unit it can. Snapshots
// that cannot be restored are skipped and reported together.
func (s *Store) RestoreUnits(cfg danzohttp.Config, opts ...danzohttp.Option) ([]*danzohttp.Unit, error) {
	snapshots, err := s.Load()
	if err != nil {
		return nil, err
	}
	units := make([]*danzohttp.Unit, 0, len(snapshots))
	var errs []error
	for i, snapshot := range snapshots {
		u, err := danzohttp.Restore(snapshot, cfg, opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		units = append(units, u)
	}
	return units, errors.Join(errs...)
}

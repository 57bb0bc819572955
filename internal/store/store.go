package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgnsrekt/empire_catcher/internal/types"
	"github.com/tidwall/jsonc"
)

// state is the on-disk document.
type state struct {
	Enabled     bool                 `json:"enabled"`
	LastCapture *types.CaptureRecord `json:"last_capture,omitempty"`
}

// Store is the durable settings store: the enabled flag and the single
// capture slot, kept in one JSON file.
type Store struct {
	path string

	mu       sync.RWMutex
	state    state
	watchers []func(bool)
}

// Open loads the state file at path. fresh reports that no file existed yet,
// in which case enabled defaults to true and nothing is written until the
// first change.
func Open(path string) (*Store, bool, error) {
	s := &Store{path: path, state: state{Enabled: true}}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, true, nil
	}

	// State files are sometimes edited by hand; tolerate comments and
	// trailing commas.
	if err := json.Unmarshal(jsonc.ToJSON(data), &s.state); err != nil {
		return nil, false, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return s, false, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Enabled
}

// SetEnabled persists the flag. Subscribers are notified only when the value
// actually changes and the write succeeded.
func (s *Store) SetEnabled(enabled bool) error {
	s.mu.Lock()
	prev := s.state.Enabled
	s.state.Enabled = enabled
	if err := s.persistLocked(); err != nil {
		s.state.Enabled = prev
		s.mu.Unlock()
		return types.NewError(types.CodePersistenceFailure, "save enabled flag", err)
	}
	watchers := append([]func(bool){}, s.watchers...)
	s.mu.Unlock()

	if prev == enabled {
		return nil
	}
	slog.Info("capture enabled changed", "enabled", enabled)
	for _, fn := range watchers {
		fn(enabled)
	}
	return nil
}

// LastCapture returns the stored capture, if any.
func (s *Store) LastCapture() (types.CaptureRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.LastCapture == nil {
		return types.CaptureRecord{}, false
	}
	return *s.state.LastCapture, true
}

// SaveCapture overwrites the single capture slot.
func (s *Store) SaveCapture(rec types.CaptureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.LastCapture
	s.state.LastCapture = &rec
	if err := s.persistLocked(); err != nil {
		s.state.LastCapture = prev
		return err
	}
	return nil
}

// OnEnabledChanged registers fn to run after every change of the flag.
func (s *Store) OnEnabledChanged(fn func(enabled bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// Package settings holds the process-wide system configuration record.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/types"
)

// Store owns the singleton system configuration: the active model and the
// generation defaults applied when a persona carries no override. The record
// is a single durable file (<dataDir>/settings.json) initialized from disk
// or from the supplied defaults, and every update is persisted atomically
// before it becomes visible to readers.
type Store struct {
	path    string
	current types.Settings
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewStore loads the persisted settings, falling back to defaults when no
// record exists yet.
func NewStore(baseDir string, defaults types.Settings, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		path:    filepath.Join(baseDir, "settings.json"),
		current: defaults,
		logger:  logger.With(zap.String("component", "settings")),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// First start: seed the record from defaults.
		if err := s.save(defaults); err != nil {
			return nil, fmt.Errorf("failed to seed settings: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	default:
		var loaded types.Settings
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
		s.current = loaded
	}

	s.logger.Info("settings initialized",
		zap.String("active_model", s.current.ActiveModel),
	)
	return s, nil
}

// save durably writes the record. Callers hold the write lock (or are in
// the constructor, before the store is shared).
func (s *Store) save(v types.Settings) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.path)
}

// Get returns a snapshot copy of the current settings.
func (s *Store) Get() types.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update validates, persists, and applies new settings. Updates are visible
// to subsequent generation calls immediately but never retroactively change
// already-generated messages.
func (s *Store) Update(v types.Settings) (types.Settings, error) {
	if err := v.Validate(); err != nil {
		return types.Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(v); err != nil {
		return types.Settings{}, types.NewError(types.ErrPersistence, "failed to persist settings").WithCause(err)
	}

	s.current = v
	s.logger.Info("settings updated", zap.String("active_model", v.ActiveModel))
	return v, nil
}

// SetActiveModel persists a new active model, keeping the other defaults.
func (s *Store) SetActiveModel(model string) (types.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	next.ActiveModel = model
	if err := next.Validate(); err != nil {
		return types.Settings{}, err
	}

	if err := s.save(next); err != nil {
		return types.Settings{}, types.NewError(types.ErrPersistence, "failed to persist settings").WithCause(err)
	}

	s.current = next
	s.logger.Info("active model changed", zap.String("active_model", model))
	return next, nil
}

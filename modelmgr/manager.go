// Package modelmgr tracks model lifecycle state: which models the backend
// has, which one is active, and which are mid-load.
package modelmgr

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/personaflow/llm"
	"github.com/BaSui01/personaflow/settings"
	"github.com/BaSui01/personaflow/types"
)

// Manager owns the transient per-model loading flags. Flags are never
// persisted: after a restart every model starts as "not loading" until the
// backend is queried again. Only the model that is itself loading is
// unusable; generation against any other available model proceeds.
type Manager struct {
	backend  llm.Backend
	settings *settings.Store

	loading map[string]bool
	mu      sync.RWMutex

	// refresh deduplicates concurrent backend list calls from PollStatus.
	refresh singleflight.Group

	logger *zap.Logger
}

// NewManager creates a model lifecycle manager.
func NewManager(backend llm.Backend, st *settings.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		backend:  backend,
		settings: st,
		loading:  make(map[string]bool),
		logger:   logger.With(zap.String("component", "model_manager")),
	}
}

// IsLoading reports whether the given model is currently mid-load.
func (m *Manager) IsLoading(model string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading[model]
}

// RequestLoad marks the model as loading and issues a non-blocking load
// request to the backend. Requesting a model that is already loading is not
// an error: the call returns immediately with alreadyLoading=true and no
// second backend request is issued.
func (m *Manager) RequestLoad(model string) (alreadyLoading bool, err error) {
	if model == "" {
		return false, types.NewError(types.ErrValidation, "model is required")
	}

	m.mu.Lock()
	if m.loading[model] {
		m.mu.Unlock()
		m.logger.Debug("model load already in progress", zap.String("model", model))
		return true, nil
	}
	m.loading[model] = true
	m.mu.Unlock()

	m.logger.Info("model load requested", zap.String("model", model))

	// The pull runs detached from the request context: an abandoned HTTP
	// request must not cancel a load that was already acknowledged.
	go m.runPull(model)

	return false, nil
}

// runPull executes the blocking backend pull and clears the loading flag
// when it finishes, successfully or not.
func (m *Manager) runPull(model string) {
	err := m.backend.Pull(context.Background(), model)

	m.mu.Lock()
	delete(m.loading, model)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("model load failed", zap.String("model", model), zap.Error(err))
		return
	}
	m.logger.Info("model load completed", zap.String("model", model))
}

// PollStatus returns the current model → loading flag map, refreshed against
// the backend's model list: a previously loading model that the backend now
// reports as installed has its flag cleared. Concurrent polls share one
// backend call.
func (m *Manager) PollStatus(ctx context.Context) (map[string]bool, error) {
	v, err, _ := m.refresh.Do("list", func() (any, error) {
		return m.backend.ListModels(ctx)
	})
	if err != nil {
		return nil, err
	}
	available := v.([]types.ModelDescriptor)

	installed := make(map[string]bool, len(available))
	for _, d := range available {
		installed[d.Name] = true
	}

	m.mu.Lock()
	for model := range m.loading {
		if installed[model] {
			delete(m.loading, model)
			m.logger.Info("model became available", zap.String("model", model))
		}
	}
	status := make(map[string]bool, len(m.loading))
	for model := range m.loading {
		status[model] = true
	}
	m.mu.Unlock()

	// Report installed models as not loading so callers see the full map.
	for name := range installed {
		if _, ok := status[name]; !ok {
			status[name] = false
		}
	}
	return status, nil
}

// List returns the backend's models with size metadata, with the transient
// loading flags merged in.
func (m *Manager) List(ctx context.Context) ([]types.ModelDescriptor, error) {
	models, err := m.backend.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	for i := range models {
		models[i].Loading = m.loading[models[i].Name]
	}
	// Models that are being pulled but not yet installed only exist in the
	// loading map; surface them too.
	seen := make(map[string]bool, len(models))
	for _, d := range models {
		seen[d.Name] = true
	}
	for model := range m.loading {
		if !seen[model] {
			models = append(models, types.ModelDescriptor{Name: model, Loading: true})
		}
	}
	m.mu.RUnlock()

	return models, nil
}

// SetActive updates the system configuration's active model. It fails with
// MODEL_BUSY while the requested model is mid-load.
func (m *Manager) SetActive(model string) (types.Settings, error) {
	m.mu.RLock()
	busy := m.loading[model]
	m.mu.RUnlock()

	if busy {
		return types.Settings{}, types.NewError(types.ErrModelBusy,
			fmt.Sprintf("model %q is still loading", model))
	}

	return m.settings.SetActiveModel(model)
}

// Package persona implements the durable persona registry.
package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/types"
)

// Registry is a file-backed persona store. Each persona is an independently
// readable JSON record under <dataDir>/personas/<name>.json. Writes are
// atomic (temp file + rename) so a crash mid-write never leaves a partially
// written persona visible on restart. Suitable for single-node deployments.
type Registry struct {
	baseDir  string
	personas map[string]*types.Persona // in-memory cache
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRegistry creates a registry rooted at baseDir and loads existing records.
func NewRegistry(baseDir string, logger *zap.Logger) (*Registry, error) {
	dir := filepath.Join(baseDir, "personas")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create persona directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		baseDir:  dir,
		personas: make(map[string]*types.Persona),
		logger:   logger.With(zap.String("component", "persona_registry")),
	}

	if err := r.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load personas from disk: %w", err)
	}

	return r, nil
}

// loadFromDisk reads every persisted persona record into the cache.
func (r *Registry) loadFromDisk() error {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.baseDir, entry.Name()))
		if err != nil {
			return err
		}

		var p types.Persona
		if err := json.Unmarshal(data, &p); err != nil {
			// A torn record cannot happen with atomic writes; an invalid
			// file is operator-introduced, skip it rather than refuse to start.
			r.logger.Warn("skipping invalid persona record",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		r.personas[p.Name] = &p
	}

	r.logger.Info("personas loaded", zap.Int("count", len(r.personas)))
	return nil
}

// save durably writes one persona record. Callers hold the write lock.
func (r *Registry) save(p *types.Persona) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename
	path := filepath.Join(r.baseDir, p.Name+".json")
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// Define validates and durably persists a new persona. It fails with
// DUPLICATE_NAME if the name is taken and VALIDATION if the generation
// parameters are out of range. The record is on disk before Define returns.
func (r *Registry) Define(p *types.Persona) (*types.Persona, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(p.Name, `/\`) {
		return nil, types.NewError(types.ErrValidation, "persona name must not contain path separators")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.personas[p.Name]; exists {
		return nil, types.NewError(types.ErrDuplicateName,
			fmt.Sprintf("persona %q already exists", p.Name))
	}

	stored := p.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	if err := r.save(stored); err != nil {
		return nil, types.NewError(types.ErrPersistence, "failed to persist persona").WithCause(err)
	}

	r.personas[stored.Name] = stored
	r.logger.Info("persona defined",
		zap.String("name", stored.Name),
		zap.String("model", stored.Model),
	)

	return stored.Clone(), nil
}

// Get returns the persona with the given name.
func (r *Registry) Get(name string) (*types.Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.personas[name]
	if !ok {
		return nil, types.NewError(types.ErrPersonaNotFound,
			fmt.Sprintf("persona %q not found", name))
	}
	return p.Clone(), nil
}

// Exists reports whether a persona with the given name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.personas[name]
	return ok
}

// List returns all persona names in creation order, so callers get a
// stable ordering across calls.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	personas := make([]*types.Persona, 0, len(r.personas))
	for _, p := range r.personas {
		personas = append(personas, p)
	}
	sort.Slice(personas, func(i, j int) bool {
		if personas[i].CreatedAt.Equal(personas[j].CreatedAt) {
			return personas[i].Name < personas[j].Name
		}
		return personas[i].CreatedAt.Before(personas[j].CreatedAt)
	})

	names := make([]string, 0, len(personas))
	for _, p := range personas {
		names = append(names, p.Name)
	}
	return names
}

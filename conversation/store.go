// Package conversation implements the durable conversation store.
package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/types"
)

// PersonaResolver validates participant names and supplies the persona
// snapshots captured at conversation creation time.
type PersonaResolver interface {
	Exists(name string) bool
	Get(name string) (*types.Persona, error)
}

// Store is a file-backed conversation store. Each conversation is an
// independently readable JSON record under <dataDir>/conversations/<id>.json.
// Writes are atomic (temp file + rename): a crash mid-write never leaves a
// partially written transcript visible on restart.
//
// Append is the sole mutation path. Callers needing turn-level exclusivity
// (read transcript, generate, append) serialize through the engine's
// per-conversation locks; the store's own mutex only guards its cache and
// file writes.
type Store struct {
	baseDir       string
	conversations map[string]*types.Conversation // in-memory cache
	personas      PersonaResolver
	mu            sync.RWMutex
	logger        *zap.Logger
}

// NewStore creates a store rooted at baseDir and loads existing records.
func NewStore(baseDir string, personas PersonaResolver, logger *zap.Logger) (*Store, error) {
	dir := filepath.Join(baseDir, "conversations")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		baseDir:       dir,
		conversations: make(map[string]*types.Conversation),
		personas:      personas,
		logger:        logger.With(zap.String("component", "conversation_store")),
	}

	if err := s.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load conversations from disk: %w", err)
	}

	return s, nil
}

func (s *Store) loadFromDisk() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			return err
		}

		var c types.Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			s.logger.Warn("skipping invalid conversation record",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		s.conversations[c.ID] = &c
	}

	s.logger.Info("conversations loaded", zap.Int("count", len(s.conversations)))
	return nil
}

// save durably writes one conversation record. Callers hold the write lock.
func (s *Store) save(c *types.Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file then rename
	path := filepath.Join(s.baseDir, c.ID+".json")
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// Create validates the participants, captures their persona snapshots, and
// durably creates a conversation whose transcript begins with the opening
// utterance attributed to participants[0].
func (s *Store) Create(participants []string, openingUtterance string) (*types.Conversation, error) {
	if len(participants) < 2 {
		return nil, types.NewError(types.ErrInsufficientParticipants,
			"a conversation needs at least 2 participants")
	}

	seen := make(map[string]bool, len(participants))
	snapshots := make(map[string]*types.Persona, len(participants))
	for _, name := range participants {
		if seen[name] {
			return nil, types.NewError(types.ErrValidation,
				fmt.Sprintf("duplicate participant %q", name))
		}
		seen[name] = true

		p, err := s.personas.Get(name)
		if err != nil {
			return nil, types.NewError(types.ErrUnknownPersona,
				fmt.Sprintf("persona %q not found", name))
		}
		snapshots[name] = p
	}

	c := &types.Conversation{
		ID:           uuid.New().String(),
		Participants: append([]string(nil), participants...),
		Messages: []types.TranscriptMessage{
			{Speaker: participants[0], Content: openingUtterance, Timestamp: time.Now()},
		},
		Snapshots: snapshots,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.save(c); err != nil {
		return nil, types.NewError(types.ErrPersistence, "failed to persist conversation").WithCause(err)
	}

	s.conversations[c.ID] = c
	s.logger.Info("conversation created",
		zap.String("id", c.ID),
		zap.Strings("participants", participants),
	)

	return c.Clone(), nil
}

// Get returns the full conversation with the given id.
func (s *Store) Get(id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, types.NewError(types.ErrConversationNotFound,
			fmt.Sprintf("conversation %q not found", id))
	}
	return c.Clone(), nil
}

// List returns all conversation ids, most recently created last.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversations := make([]*types.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		conversations = append(conversations, c)
	}
	sort.Slice(conversations, func(i, j int) bool {
		if conversations[i].CreatedAt.Equal(conversations[j].CreatedAt) {
			return conversations[i].ID < conversations[j].ID
		}
		return conversations[i].CreatedAt.Before(conversations[j].CreatedAt)
	})

	ids := make([]string, 0, len(conversations))
	for _, c := range conversations {
		ids = append(ids, c.ID)
	}
	return ids
}

// Append atomically appends one message to the transcript and persists the
// record before returning. The transcript is only ever appended to; on any
// persistence failure the in-memory state is left unchanged.
func (s *Store) Append(id, speaker, content string) (*types.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, types.NewError(types.ErrConversationNotFound,
			fmt.Sprintf("conversation %q not found", id))
	}

	// Build the appended copy first so a failed write leaves the cached
	// conversation untouched.
	updated := c.Clone()
	updated.Messages = append(updated.Messages, types.TranscriptMessage{
		Speaker:   speaker,
		Content:   content,
		Timestamp: time.Now(),
	})

	if err := s.save(updated); err != nil {
		return nil, types.NewError(types.ErrPersistence, "failed to persist message").WithCause(err)
	}

	s.conversations[id] = updated
	return updated.Clone(), nil
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/personaflow/conversation"
	"github.com/BaSui01/personaflow/llm"
	"github.com/BaSui01/personaflow/modelmgr"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/settings"
	"github.com/BaSui01/personaflow/types"
)

// scriptedBackend is an llm.Backend whose Chat replies come from a script
// function. It records every request for assertions.
type scriptedBackend struct {
	mu       sync.Mutex
	requests []*llm.ChatRequest
	reply    func(call int, req *llm.ChatRequest) (string, error)
	pullHold chan struct{}
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	b.mu.Lock()
	call := len(b.requests)
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	content, err := b.reply(call, req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{
		Model:            req.Model,
		Content:          content,
		Done:             true,
		PromptTokens:     10,
		CompletionTokens: 5,
	}, nil
}

func (b *scriptedBackend) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	return []types.ModelDescriptor{{Name: "llama3"}}, nil
}

func (b *scriptedBackend) Pull(ctx context.Context, model string) error {
	if b.pullHold != nil {
		<-b.pullHold
	}
	return nil
}

func (b *scriptedBackend) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (b *scriptedBackend) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// testHarness bundles a fully wired engine over temp-dir storage.
type testHarness struct {
	engine   *Engine
	store    *conversation.Store
	registry *persona.Registry
	models   *modelmgr.Manager
	backend  *scriptedBackend
}

func newTestHarness(t *testing.T, backend *scriptedBackend, personas ...*types.Persona) *testHarness {
	t.Helper()
	dir := t.TempDir()

	registry, err := persona.NewRegistry(dir, nil)
	require.NoError(t, err)
	for _, p := range personas {
		_, err := registry.Define(p)
		require.NoError(t, err)
	}

	store, err := conversation.NewStore(dir, registry, nil)
	require.NoError(t, err)

	st, err := settings.NewStore(dir, types.Settings{
		ActiveModel: "llama3",
		Temperature: 0.7,
		MaxTokens:   1024,
	}, nil)
	require.NoError(t, err)

	models := modelmgr.NewManager(backend, st, nil)
	builder := NewContextBuilder(WindowConfig{MaxMessages: 20})

	return &testHarness{
		engine:   New(store, registry, models, st, backend, builder, nil, nil),
		store:    store,
		registry: registry,
		models:   models,
		backend:  backend,
	}
}

func enginePersona(name string) *types.Persona {
	return &types.Persona{
		Name:         name,
		Instructions: "You are " + name + ".",
		Temperature:  0.7,
		MaxTokens:    256,
	}
}

func TestEngine_AdvanceRoundRobin(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return fmt.Sprintf("reply %d", call), nil
	}}
	h := newTestHarness(t, backend, enginePersona("Detective"), enginePersona("Philosopher"))

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "Who stole the manuscript?")
	require.NoError(t, err)

	updated, err := h.engine.Advance(context.Background(), conv.ID, 3)
	require.NoError(t, err)

	// Opening turn by Detective, then Philosopher, Detective, Philosopher.
	require.Len(t, updated.Messages, 4)
	assert.Equal(t, "Philosopher", updated.Messages[1].Speaker)
	assert.Equal(t, "Detective", updated.Messages[2].Speaker)
	assert.Equal(t, "Philosopher", updated.Messages[3].Speaker)
	assert.Equal(t, "reply 0", updated.Messages[1].Content)

	// Each generated turn was persisted.
	stored, err := h.store.Get(conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 4)
}

func TestEngine_AdvanceSanitizesOutput(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return `<think>hmm</think>Philosopher: "Truth is elusive."`, nil
	}}
	h := newTestHarness(t, backend, enginePersona("Detective"), enginePersona("Philosopher"))

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	updated, err := h.engine.Advance(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Truth is elusive.", updated.Messages[1].Content)
}

func TestEngine_AdvancePartialFailureKeepsCompletedTurns(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		if call == 2 {
			return "", types.NewError(types.ErrBackendUnavailable, "backend down").WithRetryable(true)
		}
		return fmt.Sprintf("reply %d", call), nil
	}}
	h := newTestHarness(t, backend, enginePersona("Detective"), enginePersona("Philosopher"))

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	updated, err := h.engine.Advance(context.Background(), conv.ID, 5)
	require.Error(t, err)
	assert.Equal(t, types.ErrBackendUnavailable, types.GetErrorCode(err))

	// Two turns completed before the failure; both are kept and persisted.
	require.NotNil(t, updated)
	assert.Len(t, updated.Messages, 3)

	stored, err := h.store.Get(conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 3)

	// The failed turn never touched the transcript, so a retry resumes with
	// the same next speaker.
	assert.Equal(t, "Philosopher", stored.NextSpeaker())
}

func TestEngine_AdvanceEmptyContentFails(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return "<think>only reasoning, no reply</think>", nil
	}}
	h := newTestHarness(t, backend, enginePersona("Detective"), enginePersona("Philosopher"))

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	_, err = h.engine.Advance(context.Background(), conv.ID, 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrGenerationFailed, types.GetErrorCode(err))

	stored, err := h.store.Get(conv.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1, "failed turn must not append")
}

func TestEngine_AdvanceValidation(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return "reply", nil
	}}
	h := newTestHarness(t, backend, enginePersona("Detective"), enginePersona("Philosopher"))

	_, err := h.engine.Advance(context.Background(), "some-id", 0)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = h.engine.Advance(context.Background(), "no-such-conversation", 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrConversationNotFound, types.GetErrorCode(err))
}

func TestEngine_ModelBusyWhileLoading(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{
		reply:    func(call int, req *llm.ChatRequest) (string, error) { return "reply", nil },
		pullHold: make(chan struct{}),
	}
	defer close(backend.pullHold)

	speaker := enginePersona("Philosopher")
	speaker.Model = "mistral"
	h := newTestHarness(t, backend, enginePersona("Detective"), speaker)

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	// Philosopher's model is mid-load, so its turn is rejected.
	_, err = h.models.RequestLoad("mistral")
	require.NoError(t, err)

	_, err = h.engine.Advance(context.Background(), conv.ID, 1)
	require.Error(t, err)
	assert.Equal(t, types.ErrModelBusy, types.GetErrorCode(err))
	assert.Zero(t, backend.requestCount(), "no generation attempted against a loading model")
}

func TestEngine_SnapshotFallback(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return "reply", nil
	}}
	dir := t.TempDir()

	// The conversation was created while both personas existed.
	fullRegistry, err := persona.NewRegistry(dir, nil)
	require.NoError(t, err)
	_, err = fullRegistry.Define(enginePersona("Detective"))
	require.NoError(t, err)
	_, err = fullRegistry.Define(enginePersona("Philosopher"))
	require.NoError(t, err)

	store, err := conversation.NewStore(dir, fullRegistry, nil)
	require.NoError(t, err)
	conv, err := store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	// The running engine sees an empty registry, as if the personas were
	// removed after creation. The creation-time snapshots keep the
	// conversation advanceable.
	emptyRegistry, err := persona.NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)

	st, err := settings.NewStore(dir, types.Settings{ActiveModel: "llama3", Temperature: 0.7, MaxTokens: 1024}, nil)
	require.NoError(t, err)
	models := modelmgr.NewManager(backend, st, nil)
	eng := New(store, emptyRegistry, models, st, backend, NewContextBuilder(WindowConfig{MaxMessages: 20}), nil, nil)

	updated, err := eng.Advance(context.Background(), conv.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Philosopher", updated.Messages[1].Speaker)
}

func TestEngine_PersonaUnavailable(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return "reply", nil
	}}
	h := newTestHarness(t, backend, enginePersona("Detective"), enginePersona("Philosopher"))

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	// Strip the snapshot and use an engine with an empty registry so neither
	// source can resolve the next speaker.
	emptyRegistry, err := persona.NewRegistry(t.TempDir(), nil)
	require.NoError(t, err)
	eng := New(h.store, emptyRegistry, h.models, nil, backend, NewContextBuilder(WindowConfig{MaxMessages: 20}), nil, nil)

	// Snapshots were captured at creation, so resolution still succeeds; the
	// unavailable case needs a conversation without a snapshot for the
	// speaker. Exercise resolvePersona directly.
	bare := conv.Clone()
	bare.Snapshots = nil
	_, err = eng.resolvePersona(bare, "Philosopher")
	require.Error(t, err)
	assert.Equal(t, types.ErrPersonaUnavailable, types.GetErrorCode(err))
}

func TestEngine_ConcurrentAdvanceSerializes(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return fmt.Sprintf("reply %d", call), nil
	}}
	h := newTestHarness(t, backend, enginePersona("Detective"), enginePersona("Philosopher"))

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Advance(context.Background(), conv.ID, 3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Both calls completed in full: 1 opening + 6 generated turns, strictly
	// alternating speakers with no interleaving corruption.
	stored, err := h.store.Get(conv.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 7)
	for i, m := range stored.Messages {
		expected := stored.Participants[i%2]
		assert.Equal(t, expected, m.Speaker, "message %d", i)
	}
}

func TestEngine_EngineUsesSettingsDefaults(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{reply: func(call int, req *llm.ChatRequest) (string, error) {
		return "reply", nil
	}}

	// Persona without a model override uses the active model.
	speaker := enginePersona("Philosopher")
	speaker.Model = ""
	h := newTestHarness(t, backend, enginePersona("Detective"), speaker)

	conv, err := h.store.Create([]string{"Detective", "Philosopher"}, "opening")
	require.NoError(t, err)

	_, err = h.engine.Advance(context.Background(), conv.ID, 1)
	require.NoError(t, err)

	require.Equal(t, 1, backend.requestCount())
	assert.Equal(t, "llama3", backend.requests[0].Model)
	assert.Equal(t, float32(0.7), backend.requests[0].Temperature)
	assert.Equal(t, 256, backend.requests[0].MaxTokens, "persona max_tokens override wins")
}

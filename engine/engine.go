// Package engine implements the turn-taking engine: it decides the next
// speaker, assembles that speaker's prompt context, invokes the inference
// backend, and appends the result to the conversation.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/conversation"
	"github.com/BaSui01/personaflow/internal/metrics"
	"github.com/BaSui01/personaflow/llm"
	"github.com/BaSui01/personaflow/modelmgr"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/settings"
	"github.com/BaSui01/personaflow/types"
)

// Engine coordinates turn generation. All decisions are pure functions of
// persisted state: the next speaker is Participants[turns mod n] where
// turns is the count of non-system transcript messages, so resuming after a
// restart reproduces the same decision from the transcript alone.
type Engine struct {
	store    *conversation.Store
	registry *persona.Registry
	models   *modelmgr.Manager
	settings *settings.Store
	backend  llm.Backend
	builder  *ContextBuilder

	locks     *conversationLocks
	collector *metrics.Collector
	logger    *zap.Logger
}

// New creates a turn-taking engine. collector may be nil (e.g. in tests).
func New(
	store *conversation.Store,
	registry *persona.Registry,
	models *modelmgr.Manager,
	st *settings.Store,
	backend llm.Backend,
	builder *ContextBuilder,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		registry:  registry,
		models:    models,
		settings:  st,
		backend:   backend,
		builder:   builder,
		locks:     newConversationLocks(),
		collector: collector,
		logger:    logger.With(zap.String("component", "engine")),
	}
}

// Advance generates numTurns sequential turns for the conversation,
// appending and persisting each result before computing the next. The
// conversation's lock is held for the whole call, so concurrent Advance
// calls on the same id serialize while other conversations proceed.
//
// On a mid-run failure the turns generated so far are kept: Advance returns
// the updated conversation together with the error, never losing appended
// turns. The transcript is never touched by a failed turn.
func (e *Engine) Advance(ctx context.Context, id string, numTurns int) (*types.Conversation, error) {
	if numTurns <= 0 {
		return nil, types.NewError(types.ErrValidation, "num_turns must be positive")
	}

	lock := e.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	conv, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}

	for i := 0; i < numTurns; i++ {
		updated, err := e.generateTurn(ctx, conv)
		if err != nil {
			e.logger.Warn("advance stopped early",
				zap.String("conversation_id", id),
				zap.Int("completed_turns", i),
				zap.Int("requested_turns", numTurns),
				zap.Error(err),
			)
			return conv, err
		}
		conv = updated
	}

	return conv, nil
}

// generateTurn produces one message for the conversation's next speaker and
// appends it. The append happens only after a fully successful generation:
// a failed backend call leaves the transcript length unchanged.
func (e *Engine) generateTurn(ctx context.Context, conv *types.Conversation) (*types.Conversation, error) {
	speaker := conv.NextSpeaker()

	p, err := e.resolvePersona(conv, speaker)
	if err != nil {
		return nil, err
	}

	defaults := e.settings.Get()
	model := p.Model
	if model == "" {
		model = defaults.ActiveModel
	}
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaults.MaxTokens
	}

	// A model that is itself mid-load must not serve generation; any other
	// available model is fine even while some model is loading.
	if e.models.IsLoading(model) {
		return nil, types.NewError(types.ErrModelBusy,
			"target model is loading, try again once it is available")
	}

	req := &llm.ChatRequest{
		Model:       model,
		Messages:    e.builder.Build(conv, p),
		Temperature: p.Temperature,
		MaxTokens:   maxTokens,
	}

	start := time.Now()
	resp, err := e.backend.Chat(ctx, req)
	duration := time.Since(start)

	if err != nil {
		e.recordTurn(model, "error", duration, 0, 0)
		if typed, ok := err.(*types.Error); ok {
			return nil, typed
		}
		return nil, types.NewError(types.ErrGenerationFailed, "backend call failed").WithCause(err)
	}

	content := sanitizeResponse(resp.Content, conv.Participants)
	if content == "" {
		e.recordTurn(model, "empty", duration, resp.PromptTokens, resp.CompletionTokens)
		return nil, types.NewError(types.ErrGenerationFailed, "backend returned no usable content")
	}

	updated, err := e.store.Append(conv.ID, speaker, content)
	if err != nil {
		e.recordTurn(model, "persist_error", duration, resp.PromptTokens, resp.CompletionTokens)
		return nil, err
	}

	e.recordTurn(model, "ok", duration, resp.PromptTokens, resp.CompletionTokens)
	e.logger.Info("turn generated",
		zap.String("conversation_id", conv.ID),
		zap.String("speaker", speaker),
		zap.String("model", model),
		zap.Duration("duration", duration),
	)

	return updated, nil
}

// resolvePersona prefers the live registry entry and falls back to the
// snapshot captured at conversation creation when the persona has since
// been removed. With neither available the turn fails explicitly.
func (e *Engine) resolvePersona(conv *types.Conversation, name string) (*types.Persona, error) {
	p, err := e.registry.Get(name)
	if err == nil {
		return p, nil
	}

	if snap, ok := conv.Snapshots[name]; ok {
		e.logger.Warn("persona missing from registry, using creation-time snapshot",
			zap.String("conversation_id", conv.ID),
			zap.String("persona", name),
		)
		return snap.Clone(), nil
	}

	return nil, types.NewError(types.ErrPersonaUnavailable,
		"persona "+name+" is not registered and no snapshot exists")
}

func (e *Engine) recordTurn(model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if e.collector == nil {
		return
	}
	e.collector.RecordLLMRequest(model, status, duration, promptTokens, completionTokens)
	e.collector.RecordTurn(model, status)
}

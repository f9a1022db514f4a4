package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaSui01/personaflow/conversation"
	"github.com/BaSui01/personaflow/engine"
	"github.com/BaSui01/personaflow/llm"
	"github.com/BaSui01/personaflow/modelmgr"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/settings"
	"github.com/BaSui01/personaflow/types"
)

// stubBackend is a scriptable llm.Backend shared by the handler tests.
type stubBackend struct {
	mu        sync.Mutex
	chatFn    func(call int, req *llm.ChatRequest) (string, error)
	chatCalls int
	installed []string
	pullHold  chan struct{}
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	b.mu.Lock()
	call := b.chatCalls
	b.chatCalls++
	fn := b.chatFn
	b.mu.Unlock()

	if fn == nil {
		return &llm.ChatResponse{Model: req.Model, Content: fmt.Sprintf("reply %d", call), Done: true}, nil
	}
	content, err := fn(call, req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{Model: req.Model, Content: content, Done: true}, nil
}

func (b *stubBackend) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.ModelDescriptor, 0, len(b.installed))
	for _, name := range b.installed {
		out = append(out, types.ModelDescriptor{Name: name, Size: 1 << 30})
	}
	return out, nil
}

func (b *stubBackend) Pull(ctx context.Context, model string) error {
	if b.pullHold != nil {
		<-b.pullHold
	}
	b.mu.Lock()
	b.installed = append(b.installed, model)
	b.mu.Unlock()
	return nil
}

func (b *stubBackend) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

// testAPI wires the full handler surface over temp-dir storage and returns a
// mux with the production route patterns.
type testAPI struct {
	mux      *http.ServeMux
	backend  *stubBackend
	registry *persona.Registry
	store    *conversation.Store
	settings *settings.Store
	models   *modelmgr.Manager
}

func newTestAPI(t *testing.T, backend *stubBackend) *testAPI {
	t.Helper()
	dir := t.TempDir()

	registry, err := persona.NewRegistry(dir, nil)
	require.NoError(t, err)
	store, err := conversation.NewStore(dir, registry, nil)
	require.NoError(t, err)
	st, err := settings.NewStore(dir, types.Settings{
		ActiveModel: "llama3",
		Temperature: 0.7,
		MaxTokens:   1024,
	}, nil)
	require.NoError(t, err)

	models := modelmgr.NewManager(backend, st, nil)
	eng := engine.New(store, registry, models, st, backend,
		engine.NewContextBuilder(engine.WindowConfig{MaxMessages: 20}), nil, nil)

	personaHandler := NewPersonaHandler(registry, backend, nil)
	conversationHandler := NewConversationHandler(store, eng, nil, nil)
	modelHandler := NewModelHandler(models, st, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/personas", personaHandler.HandleList)
	mux.HandleFunc("POST /api/v1/personas", personaHandler.HandleDefine)
	mux.HandleFunc("GET /api/v1/personas/{name}", personaHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/conversations", conversationHandler.HandleList)
	mux.HandleFunc("POST /api/v1/conversations", conversationHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/conversations/{id}", conversationHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/conversations/{id}/advance", conversationHandler.HandleAdvance)
	mux.HandleFunc("GET /api/v1/models", modelHandler.HandleListModels)
	mux.HandleFunc("GET /api/v1/models/status", modelHandler.HandleStatus)
	mux.HandleFunc("POST /api/v1/models/load", modelHandler.HandleLoad)
	mux.HandleFunc("GET /api/v1/settings", modelHandler.HandleGetSettings)
	mux.HandleFunc("PUT /api/v1/settings", modelHandler.HandleUpdateSettings)

	return &testAPI{
		mux:      mux,
		backend:  backend,
		registry: registry,
		store:    store,
		settings: st,
		models:   models,
	}
}

// do performs a request against the mux and decodes the response envelope.
func (a *testAPI) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp),
		"response body: %s", rec.Body.String())
	return rec, resp
}

// dataAs re-decodes the envelope's data field into dst.
func dataAs(t *testing.T, resp Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func definePersona(t *testing.T, api *testAPI, name string) {
	t.Helper()
	rec, resp := api.do(t, http.MethodPost, "/api/v1/personas", DefinePersonaRequest{
		Name:         name,
		Model:        "llama3",
		Instructions: "You are " + name + ".",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, resp.Success)
}

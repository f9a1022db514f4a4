package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/llm"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/types"
)

// =============================================================================
// 🎭 Persona Handler
// =============================================================================

// PersonaHandler 角色注册表处理器
type PersonaHandler struct {
	registry *persona.Registry
	backend  llm.Backend
	logger   *zap.Logger
}

// NewPersonaHandler 创建角色处理器
func NewPersonaHandler(registry *persona.Registry, backend llm.Backend, logger *zap.Logger) *PersonaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersonaHandler{
		registry: registry,
		backend:  backend,
		logger:   logger,
	}
}

// DefinePersonaRequest 定义角色请求体
type DefinePersonaRequest struct {
	Name         string            `json:"name"`
	Model        string            `json:"model"`
	Instructions string            `json:"instructions"`
	Temperature  *float32          `json:"temperature,omitempty"`
	MaxTokens    *int              `json:"max_tokens,omitempty"`
	Traits       map[string]string `json:"traits,omitempty"`
}

// HandleList 处理 GET /api/v1/personas
func (h *PersonaHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.registry.List())
}

// HandleGet 处理 GET /api/v1/personas/{name}
func (h *PersonaHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.registry.Get(r.PathValue("name"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, p)
}

// HandleDefine 处理 POST /api/v1/personas
func (h *PersonaHandler) HandleDefine(w http.ResponseWriter, r *http.Request) {
	var req DefinePersonaRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	p := &types.Persona{
		Name:         req.Name,
		Model:        req.Model,
		Instructions: req.Instructions,
		Temperature:  0.7,
		MaxTokens:    1024,
		Traits:       req.Traits,
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}

	// 目标模型未安装只告警不拒绝：模型可以事后再拉取
	h.warnUnknownModel(r.Context(), req.Model)

	created, err := h.registry.Define(p)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	WriteCreated(w, created)
}

// warnUnknownModel 校验目标模型是否已安装，仅记录日志。
func (h *PersonaHandler) warnUnknownModel(ctx context.Context, model string) {
	if model == "" || h.backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	models, err := h.backend.ListModels(ctx)
	if err != nil {
		h.logger.Warn("could not verify model existence", zap.Error(err))
		return
	}
	for _, m := range models {
		if m.Name == model {
			return
		}
	}
	h.logger.Warn("persona references a model not installed on the backend",
		zap.String("model", model))
}

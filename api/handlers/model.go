package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/internal/metrics"
	"github.com/BaSui01/personaflow/modelmgr"
	"github.com/BaSui01/personaflow/settings"
	"github.com/BaSui01/personaflow/types"
)

// =============================================================================
// 🧠 Model / Settings Handler
// =============================================================================

// ModelHandler 模型生命周期与系统配置处理器
type ModelHandler struct {
	models    *modelmgr.Manager
	settings  *settings.Store
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewModelHandler 创建模型处理器。collector 可为 nil。
func NewModelHandler(models *modelmgr.Manager, st *settings.Store, collector *metrics.Collector, logger *zap.Logger) *ModelHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelHandler{
		models:    models,
		settings:  st,
		collector: collector,
		logger:    logger,
	}
}

// LoadModelRequest 模型加载请求体
type LoadModelRequest struct {
	Model string `json:"model"`
}

// LoadModelResponse 模型加载响应
type LoadModelResponse struct {
	Model string `json:"model"`
	// Status "loading"（新发起）或 "already_loading"（重复请求，幂等）
	Status string `json:"status"`
}

// UpdateSettingsRequest 系统配置更新请求体
type UpdateSettingsRequest struct {
	ActiveModel string   `json:"active_model"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// HandleListModels 处理 GET /api/v1/models
func (h *ModelHandler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.models.List(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, models)
}

// HandleStatus 处理 GET /api/v1/models/status
func (h *ModelHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.models.PollStatus(r.Context())
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, status)
}

// HandleLoad 处理 POST /api/v1/models/load。对同一模型的重复请求幂等：
// 加载中再次请求返回 "already_loading"，不会发起第二次后端拉取。
func (h *ModelHandler) HandleLoad(w http.ResponseWriter, r *http.Request) {
	var req LoadModelRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	alreadyLoading, err := h.models.RequestLoad(req.Model)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	resp := LoadModelResponse{Model: req.Model, Status: "loading"}
	if alreadyLoading {
		resp.Status = "already_loading"
	} else if h.collector != nil {
		h.collector.RecordModelLoad(req.Model)
	}

	WriteJSON(w, http.StatusAccepted, Response{
		Success:   true,
		Data:      resp,
		Timestamp: time.Now(),
	})
}

// HandleGetSettings 处理 GET /api/v1/settings
func (h *ModelHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.settings.Get())
}

// HandleUpdateSettings 处理 PUT /api/v1/settings。激活模型仍在加载中时
// 返回 MODEL_BUSY，不改变任何状态。
func (h *ModelHandler) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	current := h.settings.Get()
	next := types.Settings{
		ActiveModel: req.ActiveModel,
		Temperature: current.Temperature,
		MaxTokens:   current.MaxTokens,
	}
	if req.Temperature != nil {
		next.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		next.MaxTokens = *req.MaxTokens
	}

	if err := next.Validate(); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	// 先经 modelmgr 检查目标模型是否加载中（MODEL_BUSY 保护）
	if next.ActiveModel != current.ActiveModel {
		if _, err := h.models.SetActive(next.ActiveModel); err != nil {
			WriteAnyError(w, err, h.logger)
			return
		}
	}

	updated, err := h.settings.Update(next)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, updated)
}

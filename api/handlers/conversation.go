package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/conversation"
	"github.com/BaSui01/personaflow/engine"
	"github.com/BaSui01/personaflow/internal/metrics"
	"github.com/BaSui01/personaflow/types"
)

// =============================================================================
// 💬 Conversation Handler
// =============================================================================

// ConversationHandler 会话处理器
type ConversationHandler struct {
	store     *conversation.Store
	engine    *engine.Engine
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewConversationHandler 创建会话处理器。collector 可为 nil。
func NewConversationHandler(store *conversation.Store, eng *engine.Engine, collector *metrics.Collector, logger *zap.Logger) *ConversationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationHandler{
		store:     store,
		engine:    eng,
		collector: collector,
		logger:    logger,
	}
}

// CreateConversationRequest 创建会话请求体
type CreateConversationRequest struct {
	Participants     []string `json:"participants"`
	OpeningUtterance string   `json:"opening_utterance"`
	// NumTurns 创建后立即生成的回合数，0 表示只创建不生成
	NumTurns int `json:"num_turns,omitempty"`
}

// AdvanceRequest 推进会话请求体
type AdvanceRequest struct {
	NumTurns int `json:"num_turns"`
}

// AdvanceResponse 推进会话响应：部分成功时带上错误信息
type AdvanceResponse struct {
	Conversation *types.Conversation `json:"conversation"`
	// TurnsAppended 本次实际追加的回合数
	TurnsAppended int        `json:"turns_appended"`
	Error         *ErrorInfo `json:"error,omitempty"`
}

// HandleList 处理 GET /api/v1/conversations
func (h *ConversationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.store.List())
}

// HandleGet 处理 GET /api/v1/conversations/{id}
func (h *ConversationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, c)
}

// HandleCreate 处理 POST /api/v1/conversations。
// num_turns > 0 时创建后立即生成若干回合；生成失败不回滚已创建的会话，
// 响应中携带部分结果与错误详情。
func (h *ConversationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.NumTurns < 0 {
		WriteError(w, types.NewError(types.ErrValidation, "num_turns must not be negative"), h.logger)
		return
	}

	c, err := h.store.Create(req.Participants, req.OpeningUtterance)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	if h.collector != nil {
		h.collector.RecordConversationCreated()
	}

	if req.NumTurns == 0 {
		WriteCreated(w, AdvanceResponse{Conversation: c})
		return
	}

	before := len(c.Messages)
	updated, advErr := h.engine.Advance(r.Context(), c.ID, req.NumTurns)
	resp := AdvanceResponse{
		Conversation:  updated,
		TurnsAppended: len(updated.Messages) - before,
	}
	if advErr != nil {
		resp.Error = errorInfoFrom(advErr)
	}
	WriteCreated(w, resp)
}

// HandleAdvance 处理 POST /api/v1/conversations/{id}/advance。
// 失败的回合不会丢弃之前已生成的回合：响应携带部分结果与错误详情。
func (h *ConversationHandler) HandleAdvance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req AdvanceRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.NumTurns <= 0 {
		req.NumTurns = 1
	}

	before, err := h.store.Get(id)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	start := time.Now()
	updated, advErr := h.engine.Advance(r.Context(), id, req.NumTurns)
	appended := 0
	if updated != nil {
		appended = len(updated.Messages) - len(before.Messages)
	}

	if advErr != nil && appended == 0 {
		// 完全失败：无部分结果，按普通错误返回
		WriteAnyError(w, advErr, h.logger)
		return
	}

	h.logger.Info("conversation advanced",
		zap.String("conversation_id", id),
		zap.Int("turns_appended", appended),
		zap.Duration("duration", time.Since(start)),
	)

	resp := AdvanceResponse{
		Conversation:  updated,
		TurnsAppended: appended,
	}
	if advErr != nil {
		resp.Error = errorInfoFrom(advErr)
	}
	WriteSuccess(w, resp)
}

// errorInfoFrom 将错误转换为响应内嵌的错误信息。
func errorInfoFrom(err error) *ErrorInfo {
	if typed, ok := err.(*types.Error); ok {
		return &ErrorInfo{
			Code:      string(typed.Code),
			Message:   typed.Message,
			Retryable: typed.Retryable,
		}
	}
	return &ErrorInfo{Code: string(types.ErrInternalError), Message: err.Error()}
}

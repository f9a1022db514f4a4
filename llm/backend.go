package llm

import (
	"context"
	"time"

	"github.com/BaSui01/personaflow/types"
)

// ChatRequest 一次补全调用：目标模型、有序的角色标注上下文与采样参数。
type ChatRequest struct {
	Model       string              `json:"model"`
	Messages    []types.ChatMessage `json:"messages"`
	Temperature float32             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

// ChatResponse 补全调用的结果。
type ChatResponse struct {
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Token 统计（后端可选返回）
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
}

// HealthStatus 后端健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Backend 定义了统一的推理后端适配接口。
// Chat 执行同步补全；模型管理调用（List/Pull）支撑模型生命周期管理。
type Backend interface {
	// Chat 发起同步补全请求，返回生成文本
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ListModels 返回后端当前可用的模型及其大小元数据
	ListModels(ctx context.Context) ([]types.ModelDescriptor, error)

	// Pull 请求后端加载（拉取）一个模型，阻塞直到完成或失败。
	// 调用方负责异步化（见 modelmgr）。
	Pull(ctx context.Context, model string) error

	// HealthCheck 执行轻量级健康检查，返回延迟与可用性信息
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回后端的唯一标识
	Name() string
}

// =============================================================================
// Ollama 推理后端客户端
// =============================================================================
// 通过 Ollama 本地 HTTP API 实现 llm.Backend：
//   - POST /api/chat  同步补全（非流式）
//   - GET  /api/tags  列出已安装模型
//   - POST /api/pull  拉取（加载）模型
// =============================================================================

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/llm"
	"github.com/BaSui01/personaflow/types"
)

// Config Ollama 客户端配置。
type Config struct {
	// BaseURL 后端地址（如 "http://llm-service:11434"）
	BaseURL string

	// Timeout HTTP 客户端超时。本地推理可能很慢，默认 30 分钟。
	Timeout time.Duration

	// PullTimeout 模型拉取超时。拉取大模型耗时远超普通请求，默认 2 小时。
	PullTimeout time.Duration
}

// Client 是 llm.Backend 的 Ollama 实现。
type Client struct {
	cfg        Config
	client     *http.Client
	pullClient *http.Client
	logger     *zap.Logger
}

// New 创建新的 Ollama 客户端。
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.PullTimeout == 0 {
		cfg.PullTimeout = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		pullClient: &http.Client{Timeout: cfg.PullTimeout},
		logger:     logger.With(zap.String("component", "ollama")),
	}
}

// Name 返回后端标识。
func (c *Client) Name() string { return "ollama" }

// endpoint 拼接完整 URL。
func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// --- Ollama wire types ---

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []types.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  chatOptions         `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float32 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type pullResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Chat 发起同步补全请求。
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body := chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
		Options: chatOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}

	var out chatResponse
	if err := c.post(ctx, c.client, "/api/chat", body, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, types.NewError(types.ErrGenerationFailed, out.Error)
	}

	return &llm.ChatResponse{
		Model:            out.Model,
		Content:          out.Message.Content,
		Done:             out.Done,
		CreatedAt:        out.CreatedAt,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

// ListModels 返回已安装模型及大小元数据。
func (c *Client) ListModels(ctx context.Context) ([]types.ModelDescriptor, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/tags"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "ollama unreachable").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.mapHTTPError(resp.StatusCode, resp.Body)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "invalid tags response").
			WithCause(err).WithRetryable(true)
	}

	models := make([]types.ModelDescriptor, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, types.ModelDescriptor{
			Name:       m.Name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models, nil
}

// Pull 请求后端拉取一个模型，阻塞直到完成。
func (c *Client) Pull(ctx context.Context, model string) error {
	var out pullResponse
	if err := c.post(ctx, c.pullClient, "/api/pull", pullRequest{Name: model, Stream: false}, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return types.NewError(types.ErrBackendUnavailable, out.Error).WithRetryable(true)
	}
	return nil
}

// HealthCheck 验证后端可达。
func (c *Client) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("ollama health check failed: status=%d", resp.StatusCode)
	}

	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// post 执行 JSON POST 并解码响应。
func (c *Client) post(ctx context.Context, client *http.Client, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return types.NewError(types.ErrBackendUnavailable, "ollama unreachable").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.mapHTTPError(resp.StatusCode, resp.Body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "invalid backend response").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

// mapHTTPError 将后端的 HTTP 错误状态映射为统一错误码。
func (c *Client) mapHTTPError(status int, body io.Reader) *types.Error {
	msg := readErrorMessage(body)

	switch {
	case status == http.StatusNotFound:
		return types.NewError(types.ErrModelNotFound, msg).WithHTTPStatus(http.StatusNotFound)
	case status >= 500:
		return types.NewError(types.ErrBackendUnavailable, msg).
			WithHTTPStatus(http.StatusBadGateway).WithRetryable(true)
	default:
		return types.NewError(types.ErrGenerationFailed, msg).WithHTTPStatus(http.StatusBadGateway)
	}
}

// readErrorMessage 从错误响应体中提取信息，限制读取大小。
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "backend error"
	}

	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(data))
}

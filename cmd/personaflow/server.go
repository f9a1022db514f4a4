package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/personaflow/api/handlers"
	"github.com/BaSui01/personaflow/config"
	"github.com/BaSui01/personaflow/conversation"
	"github.com/BaSui01/personaflow/engine"
	"github.com/BaSui01/personaflow/internal/metrics"
	"github.com/BaSui01/personaflow/internal/server"
	"github.com/BaSui01/personaflow/llm/ollama"
	"github.com/BaSui01/personaflow/modelmgr"
	"github.com/BaSui01/personaflow/persona"
	"github.com/BaSui01/personaflow/settings"
	"github.com/BaSui01/personaflow/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 PersonaFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	backend   *ollama.Client
	registry  *persona.Registry
	store     *conversation.Store
	settings  *settings.Store
	models    *modelmgr.Manager
	engine    *engine.Engine
	collector *metrics.Collector

	// Handlers
	healthHandler       *handlers.HealthHandler
	personaHandler      *handlers.PersonaHandler
	conversationHandler *handlers.ConversationHandler
	modelHandler        *handlers.ModelHandler

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.collector = metrics.NewCollector("personaflow", s.logger)

	// 2. 初始化核心组件（存储、后端、引擎）
	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("backend", s.cfg.Backend.BaseURL),
		zap.String("data_dir", s.cfg.Storage.DataDir),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initComponents 初始化存储、推理后端与对话引擎
func (s *Server) initComponents() error {
	s.backend = ollama.New(ollama.Config{
		BaseURL:     s.cfg.Backend.BaseURL,
		Timeout:     s.cfg.Backend.Timeout,
		PullTimeout: s.cfg.Backend.PullTimeout,
	}, s.logger)

	registry, err := persona.NewRegistry(s.cfg.Storage.DataDir, s.logger)
	if err != nil {
		return fmt.Errorf("persona registry: %w", err)
	}
	s.registry = registry

	store, err := conversation.NewStore(s.cfg.Storage.DataDir, registry, s.logger)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	s.store = store

	settingsStore, err := settings.NewStore(s.cfg.Storage.DataDir, types.Settings{
		ActiveModel: s.cfg.Defaults.ActiveModel,
		Temperature: s.cfg.Defaults.Temperature,
		MaxTokens:   s.cfg.Defaults.MaxTokens,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("settings store: %w", err)
	}
	s.settings = settingsStore

	s.models = modelmgr.NewManager(s.backend, settingsStore, s.logger)

	builder := engine.NewContextBuilder(engine.WindowConfig{
		MaxMessages: s.cfg.Context.MaxMessages,
		TokenBudget: s.cfg.Context.TokenBudget,
	})

	s.engine = engine.New(store, registry, s.models, settingsStore, s.backend, builder, s.collector, s.logger)

	s.logger.Info("Components initialized",
		zap.Int("personas", len(registry.List())),
		zap.Int("conversations", len(store.List())),
	)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(&backendHealthCheck{backend: s.backend})

	s.personaHandler = handlers.NewPersonaHandler(s.registry, s.backend, s.logger)
	s.conversationHandler = handlers.NewConversationHandler(s.store, s.engine, s.collector, s.logger)
	s.modelHandler = handlers.NewModelHandler(s.models, s.settings, s.collector, s.logger)

	s.logger.Info("Handlers initialized")
}

// backendHealthCheck 将推理后端接入健康检查
type backendHealthCheck struct {
	backend *ollama.Client
}

func (b *backendHealthCheck) Name() string { return b.backend.Name() }

func (b *backendHealthCheck) Check(ctx context.Context) error {
	status, err := b.backend.HealthCheck(ctx)
	if err != nil {
		return err
	}
	if !status.Healthy {
		return fmt.Errorf("backend %s unreachable", b.backend.Name())
	}
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// Persona API
	// ========================================
	mux.HandleFunc("GET /api/v1/personas", s.personaHandler.HandleList)
	mux.HandleFunc("POST /api/v1/personas", s.personaHandler.HandleDefine)
	mux.HandleFunc("GET /api/v1/personas/{name}", s.personaHandler.HandleGet)

	// ========================================
	// Conversation API
	// ========================================
	mux.HandleFunc("GET /api/v1/conversations", s.conversationHandler.HandleList)
	mux.HandleFunc("POST /api/v1/conversations", s.conversationHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/conversations/{id}", s.conversationHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/conversations/{id}/advance", s.conversationHandler.HandleAdvance)

	// ========================================
	// Model / Settings API
	// ========================================
	mux.HandleFunc("GET /api/v1/models", s.modelHandler.HandleListModels)
	mux.HandleFunc("GET /api/v1/models/status", s.modelHandler.HandleStatus)
	mux.HandleFunc("POST /api/v1/models/load", s.modelHandler.HandleLoad)
	mux.HandleFunc("GET /api/v1/settings", s.modelHandler.HandleGetSettings)
	mux.HandleFunc("PUT /api/v1/settings", s.modelHandler.HandleUpdateSettings)

	// ========================================
	// 构建中间件链
	// ========================================
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
		MetricsMiddleware(s.collector),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

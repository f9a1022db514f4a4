// =============================================================================
// 📦 PersonaFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Backend:  DefaultBackendConfig(),
		Storage:  DefaultStorageConfig(),
		Defaults: DefaultDefaultsConfig(),
		Context:  DefaultContextConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8000,
		MetricsPort:        9091,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       35 * time.Minute, // 单次补全可能极慢，写超时须覆盖后端等待
		ShutdownTimeout:    15 * time.Second,
		RateLimitRPS:       100,
		RateLimitBurst:     200,
		CORSAllowedOrigins: []string{"*"},
	}
}

// DefaultBackendConfig 返回默认后端配置
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		BaseURL:     "http://llm-service:11434",
		Timeout:     30 * time.Minute,
		PullTimeout: 2 * time.Hour,
	}
}

// DefaultStorageConfig 返回默认持久化配置
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		DataDir: "./data",
	}
}

// DefaultDefaultsConfig 返回默认的系统级生成参数
func DefaultDefaultsConfig() DefaultsConfig {
	return DefaultsConfig{
		ActiveModel: "llama3",
		Temperature: 0.7,
		MaxTokens:   1024,
	}
}

// DefaultContextConfig 返回默认上下文窗口配置
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxMessages: 20,
		TokenBudget: 8000,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/ilyakaznacheev/cleanenv"
)

// 支持的模型提供方
const (
	ProviderGemini = "gemini"
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
)

// 聊天记录的持久化模式
const (
	StorageModeSnapshot = "snapshot"
	StorageModeAppend   = "append"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Storage StorageConfig
	Log     LogConfig
}

// Load 从环境变量加载配置并校验。
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查必需的配置项，缺少凭证时直接失败。
func (c *Config) Validate() error {
	if _, err := c.Server.Addr(); err != nil {
		return err
	}
	if err := c.AI.Validate(); err != nil {
		return err
	}
	return c.Storage.Validate()
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT" env-default:"8080" env-description:"listen port or host:port"`
}

// Addr 解析服务器监听地址。
func (c ServerConfig) Addr() (string, error) {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	return ":" + port, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider     string        `env:"AI_PROVIDER" env-default:"gemini"`
	Model        string        `env:"AI_MODEL"`
	BaseURL      string        `env:"AI_BASE_URL"`
	SystemPrompt string        `env:"AI_SYSTEM_PROMPT"`
	Timeout      time.Duration `env:"AI_TIMEOUT" env-default:"60s"`

	GeminiAPIKey string `env:"GEMINI_API_KEY"`

	ArkAPIKey    string `env:"ARK_API_KEY"`
	ArkAccessKey string `env:"ARK_ACCESS_KEY"`
	ArkSecretKey string `env:"ARK_SECRET_KEY"`
	ArkRegion    string `env:"ARK_REGION" env-default:"cn-beijing"`

	OpenAIAPIKey string `env:"OPENAI_API_KEY"`
}

// ProviderName 返回规范化后的提供方名称。
func (c AIConfig) ProviderName() string {
	return strings.ToLower(strings.TrimSpace(c.Provider))
}

// Validate 确认所选提供方的凭证与模型均已配置。
func (c AIConfig) Validate() error {
	switch c.ProviderName() {
	case ProviderGemini:
		if strings.TrimSpace(c.GeminiAPIKey) == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for provider %q", ProviderGemini)
		}
	case ProviderArk:
		if c.ArkAPIKey == "" && (c.ArkAccessKey == "" || c.ArkSecretKey == "") {
			return fmt.Errorf("ARK_API_KEY or ARK_ACCESS_KEY + ARK_SECRET_KEY is required for provider %q", ProviderArk)
		}
		if strings.TrimSpace(c.Model) == "" {
			return fmt.Errorf("AI_MODEL is required for provider %q", ProviderArk)
		}
	case ProviderOpenAI:
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider %q", ProviderOpenAI)
		}
	default:
		return fmt.Errorf("unsupported AI_PROVIDER %q", c.Provider)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("invalid AI_TIMEOUT value: %s", c.Timeout)
	}
	return nil
}

// ModelName 返回配置的模型，未配置时使用提供方默认值。
func (c AIConfig) ModelName() string {
	if model := strings.TrimSpace(c.Model); model != "" {
		return model
	}
	switch c.ProviderName() {
	case ProviderGemini:
		return "gemini-2.0-flash"
	case ProviderOpenAI:
		return "gpt-4o-mini"
	default:
		return ""
	}
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.ArkAPIKey == "" && (c.ArkAccessKey == "" || c.ArkSecretKey == "") {
		return nil, fmt.Errorf("Ark 凭证缺失，至少提供 ARK_API_KEY 或 AK/SK 组合")
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:   c.BaseURL,
		Region:    c.ArkRegion,
		APIKey:    c.ArkAPIKey,
		AccessKey: c.ArkAccessKey,
		SecretKey: c.ArkSecretKey,
		Model:     c.ModelName(),
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}

	return ark.NewChatModel(ctx, cfg)
}

// StorageConfig 描述聊天记录文件的位置与写入策略。
type StorageConfig struct {
	Path string `env:"CHAT_LOG_PATH" env-default:"messages.csv"`
	Mode string `env:"CHAT_LOG_MODE" env-default:"snapshot"`
}

// AppendEnabled 表示是否在每条消息写入后立即追加到日志。
func (c StorageConfig) AppendEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(c.Mode), StorageModeAppend)
}

// Validate 校验存储配置。
func (c StorageConfig) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("CHAT_LOG_PATH must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.Mode)) {
	case StorageModeSnapshot, StorageModeAppend:
		return nil
	default:
		return fmt.Errorf("invalid CHAT_LOG_MODE value: %q", c.Mode)
	}
}

// LogConfig 描述日志输出配置。
type LogConfig struct {
	Level       string `env:"LOG_LEVEL" env-default:"info"`
	Development bool   `env:"LOG_DEVELOPMENT" env-default:"false"`
}

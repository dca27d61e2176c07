package config

import "time"

// Config is the root configuration for the LLMOS kernel.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Data      DataConfig      `yaml:"data"`
	LLM       LLMConfig       `yaml:"llm"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Docker    DockerConfig    `yaml:"docker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"registry"`
	Wasm      WasmConfig      `yaml:"wasm"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

type DataConfig struct {
	// Root is the directory holding all persisted kernel state:
	// registry.json, apps/, scheduler.json, knowledge.json, profile.yaml,
	// snapshot/, security-reports/ and kernel.db.
	Root string `yaml:"root"`
}

type LLMConfig struct {
	// DefaultProvider overrides dynamic selection when set.
	DefaultProvider  string          `yaml:"default_provider"`
	FallbackProvider string          `yaml:"fallback_provider"`
	Ollama           OllamaConfig    `yaml:"ollama"`
	Anthropic        AnthropicConfig `yaml:"anthropic"`
	OpenAI           OpenAIConfig    `yaml:"openai"`
	MaxTokens        int             `yaml:"max_tokens"`
}

type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type GatewayConfig struct {
	// ConfidenceThreshold below which Generate returns a clarification
	// request instead of calling a provider.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

type DockerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	PortStart     int    `yaml:"port_start"`
	PortEnd       int    `yaml:"port_end"`
	MaxContainers int    `yaml:"max_containers"`
}

type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DeferMinutes int           `yaml:"defer_minutes"`
	Provider     string        `yaml:"provider"`
	DailyBudget  int           `yaml:"daily_budget"`
	MaxRegistry  int           `yaml:"max_registry"`
	MinInterval  time.Duration `yaml:"min_interval"`
}

type RegistryConfig struct {
	// CommunityURL is the optional remote index used by SyncCommunity.
	// Empty disables the sync.
	CommunityURL string `yaml:"community_url"`
}

type WasmConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MemoryPages    int           `yaml:"memory_pages"`
	MaxMemoryPages int           `yaml:"max_memory_pages"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8410,
			LogLevel: "info",
		},
		Data: DataConfig{
			Root: "~/.config/llmos/data",
		},
		LLM: LLMConfig{
			Ollama: OllamaConfig{
				URL:   "http://127.0.0.1:11434",
				Model: "llama3.1:8b",
			},
			Anthropic: AnthropicConfig{
				Model: "claude-sonnet-4-5",
			},
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
			FallbackProvider: "ollama",
			MaxTokens:        8192,
		},
		Gateway: GatewayConfig{
			ConfidenceThreshold: 0.45,
		},
		Docker: DockerConfig{
			Enabled:       true,
			PortStart:     5100,
			PortEnd:       5199,
			MaxContainers: 5,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			DeferMinutes: 5,
			DailyBudget:  50,
			MaxRegistry:  500,
			MinInterval:  time.Minute,
		},
		Wasm: WasmConfig{
			DefaultTimeout: 30 * time.Second,
			MemoryPages:    16,
			MaxMemoryPages: 1024,
		},
	}
}

// Package config handles Parley configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the backend field.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen"`
	Backend   string        `yaml:"backend"`
	OpenAI    OpenAIConfig  `yaml:"openai"`
	Ollama    OllamaConfig  `yaml:"ollama"`
	Agent     AgentConfig   `yaml:"agent"`
	Gateway   GatewayConfig `yaml:"gateway"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
}

// ListenConfig is the address the gateway server binds to.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// OpenAIConfig configures every OpenAI-backed capability. BaseURL may
// point at any compatible endpoint.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	ImageModel     string `yaml:"image_model"`
	TTSModel       string `yaml:"tts_model"`
	TTSVoice       string `yaml:"tts_voice"`
}

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	NumCtx         int    `yaml:"num_ctx"`
}

// AgentConfig bounds turns and identifies the people the bot treats
// specially.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`

	// MessageLimit caps how many history rows are sent to the model.
	// Zero sends the full conversation.
	MessageLimit int `yaml:"message_limit"`

	DevUserID   string `yaml:"dev_user_id"`
	OwnerUserID string `yaml:"owner_user_id"`
	BotUserID   string `yaml:"bot_user_id"`
	ServerName  string `yaml:"server_name"`

	// PromptNote is appended to the system prompt verbatim.
	PromptNote string `yaml:"prompt_note"`
}

// GatewayConfig configures the WebSocket endpoint chat bridges connect to.
type GatewayConfig struct {
	Path               string `yaml:"path"`
	Token              string `yaml:"token"`
	MaxAttachmentBytes int64  `yaml:"max_attachment_bytes"`
}

// MQTTConfig enables turn-status publishing when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`

	// StatusInterval is how often the retained status document is
	// refreshed.
	StatusInterval time.Duration `yaml:"status_interval"`
}

// Configured reports whether an MQTT broker was given.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML file, expanding environment
// variables, then applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration that talks to a local Ollama.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Backend == "" {
		c.Backend = BackendOllama
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o"
	}
	if c.OpenAI.EmbeddingModel == "" {
		c.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}
	if c.OpenAI.ImageModel == "" {
		c.OpenAI.ImageModel = "dall-e-3"
	}
	if c.OpenAI.TTSModel == "" {
		c.OpenAI.TTSModel = "tts-1"
	}
	if c.OpenAI.TTSVoice == "" {
		c.OpenAI.TTSVoice = "alloy"
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = "llama3.2-vision"
	}
	if c.Ollama.EmbeddingModel == "" {
		c.Ollama.EmbeddingModel = "nomic-embed-text"
	}
	if c.Ollama.NumCtx == 0 {
		c.Ollama.NumCtx = 8192
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 16
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 5 * time.Minute
	}
	if c.Gateway.Path == "" {
		c.Gateway.Path = "/gateway"
	}
	if c.Gateway.MaxAttachmentBytes == 0 {
		c.Gateway.MaxAttachmentBytes = 20_000_000
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "parley"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "parley"
	}
	if c.MQTT.StatusInterval == 0 {
		c.MQTT.StatusInterval = time.Minute
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return errors.New("openai.api_key is required for the openai backend")
		}
	case BackendOllama:
	default:
		return fmt.Errorf("unknown backend %q (valid: openai, ollama)", c.Backend)
	}

	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.TurnTimeout < 0 {
		return fmt.Errorf("agent.turn_timeout must not be negative, got %s", c.Agent.TurnTimeout)
	}
	if c.Agent.MessageLimit < 0 {
		return fmt.Errorf("agent.message_limit must not be negative, got %d", c.Agent.MessageLimit)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}

// DatabasePath returns the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "parley.db")
}

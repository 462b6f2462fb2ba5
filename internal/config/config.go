// Package config provides configuration loading and validation for chatrelay.
package config

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Backend kind names accepted by DefaultBackend.
const (
	BackendCompletion = "completion"
	BackendStreaming  = "streaming"
)

// Environment variables that override secrets from the config file.
const (
	EnvOpenAIAPIKey    = "CHATRELAY_OPENAI_API_KEY"
	EnvStreamingCookie = "CHATRELAY_STREAMING_COOKIE"
	EnvOneBotToken     = "CHATRELAY_ONEBOT_TOKEN"
)

// Config holds all chatrelay configuration.
type Config struct {
	// Platform transport
	OneBot OneBotConfig `yaml:"onebot"`

	// DefaultBackend is the backend kind given to new sessions.
	DefaultBackend string `yaml:"default_backend"`

	Completion CompletionConfig `yaml:"completion"`
	Streaming  StreamingConfig  `yaml:"streaming"`

	Usage    UsageConfig    `yaml:"usage"`
	Accounts AccountsConfig `yaml:"accounts"`

	// DefaultTemperature is the sampling temperature new sessions start with.
	DefaultTemperature float64 `yaml:"default_temperature"`

	// DefaultPersona is the persona text new sessions start with.
	DefaultPersona string `yaml:"default_persona"`

	// Personas maps persona names to persona prompts for #role.
	Personas map[string]string `yaml:"personas"`

	// SystemDirectives are fixed policy prompts sent after the persona.
	SystemDirectives []string `yaml:"system_directives"`

	Logging LoggingConfig `yaml:"logging"`
}

// OneBotConfig configures the OneBot WebSocket transport.
type OneBotConfig struct {
	URL         string `yaml:"url"`
	AccessToken string `yaml:"access_token"`
	// ReconnectDelay is the pause before redialing after the connection drops.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// CompletionConfig configures the stateless chat-completion backend.
type CompletionConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL is the API root; requests go to BaseURL + "/chat/completions".
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxHistory caps the stored turns of non-privileged users. Zero disables the cap.
	MaxHistory int `yaml:"max_history"`
	// IncludeClock adds the local time as a system directive.
	IncludeClock bool `yaml:"include_clock"`
}

// StreamingConfig configures the stateful streaming backend.
type StreamingConfig struct {
	Cookie    string        `yaml:"cookie"`
	HubURL    string        `yaml:"hub_url"`
	CreateURL string        `yaml:"create_url"`
	Style     string        `yaml:"style"`
	Locale    string        `yaml:"locale"`
	Market    string        `yaml:"market"`
	Region    string        `yaml:"region"`
	Timeout   time.Duration `yaml:"timeout"`
}

// UsageConfig configures the sliding-window quota for non-privileged users.
type UsageConfig struct {
	LimitCount  int           `yaml:"limit_count"`
	LimitWindow time.Duration `yaml:"limit_window"`
}

// AccountsConfig holds the user lists. Entries are platform user ids.
type AccountsConfig struct {
	// AllowList users are privileged: no quota, no history cap, private chat allowed.
	AllowList []string `yaml:"allow_list"`
	// PrivateList users may chat privately but are otherwise unprivileged.
	PrivateList []string `yaml:"private_list"`
	// BlockList users are ignored entirely.
	BlockList []string `yaml:"block_list"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "console", "json" or "auto" (console when stderr is a terminal).
	Format string `yaml:"format"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		OneBot: OneBotConfig{
			URL:            "ws://127.0.0.1:8080",
			ReconnectDelay: 5 * time.Second,
		},
		DefaultBackend: BackendCompletion,
		Completion: CompletionConfig{
			BaseURL:      "https://api.openai.com/v1",
			Model:        "gpt-3.5-turbo",
			MaxTokens:    2048,
			Timeout:      2 * time.Minute,
			MaxHistory:   50,
			IncludeClock: true,
		},
		Streaming: StreamingConfig{
			HubURL:    "wss://sydney.bing.com/sydney/ChatHub",
			CreateURL: "https://www.bing.com/turing/conversation/create",
			Style:     "creative",
			Locale:    "en-US",
			Market:    "en-US",
			Region:    "US",
			Timeout:   3 * time.Minute,
		},
		Usage: UsageConfig{
			LimitCount:  10,
			LimitWindow: 5 * time.Minute,
		},
		DefaultTemperature: 0.5,
		DefaultPersona:     DefaultPersonas()[DefaultPersonaName],
		Personas:           DefaultPersonas(),
		SystemDirectives:   DefaultSystemDirectives(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// applyEnvOverrides replaces secrets with environment values when set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		c.Completion.APIKey = v
	}
	if v := os.Getenv(EnvStreamingCookie); v != "" {
		c.Streaming.Cookie = v
	}
	if v := os.Getenv(EnvOneBotToken); v != "" {
		c.OneBot.AccessToken = v
	}
}

// Validate checks internal consistency. Backend credentials are checked
// separately per backend kind at startup.
func (c *Config) Validate() error {
	switch strings.ToLower(c.DefaultBackend) {
	case BackendCompletion, BackendStreaming:
	default:
		return errors.Errorf("unknown default_backend %q", c.DefaultBackend)
	}
	if c.Usage.LimitCount < 0 {
		return errors.New("usage.limit_count must not be negative")
	}
	if c.Usage.LimitWindow < 0 {
		return errors.New("usage.limit_window must not be negative")
	}
	if c.Usage.LimitCount == 0 && c.Usage.LimitWindow > 0 {
		return errors.New("usage.limit_count must be positive while usage.limit_window is set (set limit_window to 0 to disable the quota)")
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 1 {
		return errors.New("default_temperature must be between 0 and 1")
	}
	if c.Completion.MaxHistory < 0 {
		return errors.New("completion.max_history must not be negative")
	}
	if err := ValidatePersona(c.DefaultPersona); err != nil {
		return errors.Wrap(err, "default_persona")
	}
	for name, text := range c.Personas {
		if strings.TrimSpace(name) == "" {
			return errors.New("persona names must not be empty")
		}
		if err := ValidatePersona(text); err != nil {
			return errors.Wrapf(err, "persona %q", name)
		}
	}
	return nil
}

// IsPrivileged reports whether userID is on the allow list.
func (c *Config) IsPrivileged(userID string) bool {
	return slices.Contains(c.Accounts.AllowList, userID)
}

// IsBlocked reports whether userID is on the block list.
func (c *Config) IsBlocked(userID string) bool {
	return slices.Contains(c.Accounts.BlockList, userID)
}

// MayChatPrivately reports whether userID may use private chat.
func (c *Config) MayChatPrivately(userID string) bool {
	return c.IsPrivileged(userID) || slices.Contains(c.Accounts.PrivateList, userID)
}

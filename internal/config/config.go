// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_RELAY_CONFIG"

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Persona   PersonaConfig   `yaml:"persona" toml:"persona"`
	Engine    EngineConfig    `yaml:"engine" toml:"engine"`
	Providers ProvidersConfig `yaml:"providers" toml:"providers"`
	Frontends FrontendsConfig `yaml:"frontends" toml:"frontends"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves on :443 with Tailscale-provisioned certificates instead of :80.
	HTTPS bool `yaml:"https" toml:"https"`
}

// DatabaseConfig selects and configures the session store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path" toml:"path"`

	// SessionTTL prunes sessions idle longer than this. Zero disables pruning.
	SessionTTL    time.Duration `yaml:"-" toml:"-"`
	PruneInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SessionTTLRaw    string `yaml:"session_ttl" toml:"session_ttl"`
	PruneIntervalRaw string `yaml:"prune_interval" toml:"prune_interval"`
}

// AuthConfig holds API caller authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// PersonaConfig holds the fixed system prompt and canned replies
type PersonaConfig struct {
	SystemPrompt    string `yaml:"system_prompt" toml:"system_prompt"`
	DisabledReply   string `yaml:"disabled_reply" toml:"disabled_reply"`
	ErrorReply      string `yaml:"error_reply" toml:"error_reply"`
	BusyReply       string `yaml:"busy_reply" toml:"busy_reply"`
	PlainTextPrompt string `yaml:"plain_text_prompt" toml:"plain_text_prompt"`
}

// EngineConfig holds conversation engine behavior
type EngineConfig struct {
	MaxAttempts int  `yaml:"max_attempts" toml:"max_attempts"`
	FanOut      bool `yaml:"fan_out" toml:"fan_out"`
	Speech      bool `yaml:"speech" toml:"speech"`
}

// ProvidersConfig lists text providers in priority order and the speech provider
type ProvidersConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`

	Text   []TextProviderConfig `yaml:"text" toml:"text"`
	Speech *SpeechConfig        `yaml:"speech" toml:"speech"`
}

// TextProviderConfig configures one text backend
type TextProviderConfig struct {
	Name      string `yaml:"name" toml:"name"`
	Type      string `yaml:"type" toml:"type"` // "openai" or "anthropic"
	Model     string `yaml:"model" toml:"model"`
	APIKeyEnv string `yaml:"api_key_env" toml:"api_key_env"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens"`
	// MaxRetries is the SDK retry count; nil keeps the SDK default.
	MaxRetries *int `yaml:"max_retries" toml:"max_retries"`
}

// SpeechConfig configures the text-to-speech backend
type SpeechConfig struct {
	Type         string `yaml:"type" toml:"type"` // "elevenlabs"
	APIKeyEnv    string `yaml:"api_key_env" toml:"api_key_env"`
	VoiceID      string `yaml:"voice_id" toml:"voice_id"`
	ModelID      string `yaml:"model_id" toml:"model_id"`
	OutputFormat string `yaml:"output_format" toml:"output_format"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
}

// FrontendsConfig holds configuration for all transport adapters
type FrontendsConfig struct {
	Telegram  TelegramConfig  `yaml:"telegram" toml:"telegram"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	BotToken     string  `yaml:"bot_token" toml:"bot_token"`
	APIURL       string  `yaml:"api_url" toml:"api_url"`
	AllowedChats []int64 `yaml:"allowed_chats" toml:"allowed_chats"`

	PollTimeout    time.Duration `yaml:"-" toml:"-"`
	PollTimeoutRaw string        `yaml:"poll_timeout" toml:"poll_timeout"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled         bool     `yaml:"enabled" toml:"enabled"`
	Homeserver      string   `yaml:"homeserver" toml:"homeserver"`
	Username        string   `yaml:"username" toml:"username"`
	Password        string   `yaml:"password" toml:"password"`
	RecoveryKey     string   `yaml:"recovery_key" toml:"recovery_key"`
	AllowedRooms    []string `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CommandPrefix   string   `yaml:"command_prefix" toml:"command_prefix"`
	TypingIndicator bool     `yaml:"typing_indicator" toml:"typing_indicator"`
	E2EE            bool     `yaml:"e2ee" toml:"e2ee"`
	CryptoDBPath    string   `yaml:"crypto_db_path" toml:"crypto_db_path"`
}

// HTTPConfig holds the JSON API configuration
type HTTPConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// WebSocketConfig holds the WebSocket API configuration
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// AllowedOrigins are host patterns accepted for cross-origin browser clients.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// DedupeConfig sizes the inbound delivery de-duplication cache
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	TTLRaw  string        `yaml:"ttl" toml:"ttl"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file: the explicit flag value, then
// $COVEN_RELAY_CONFIG, then $XDG_CONFIG_HOME/coven/relay.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "coven", "relay.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields with working values.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.SessionTTL > 0 && c.Database.PruneInterval == 0 {
		c.Database.PruneInterval = time.Hour
	}

	if c.Persona.PlainTextPrompt == "" {
		c.Persona.PlainTextPrompt = "Send me plain text."
	}

	if c.Providers.Timeout == 0 {
		c.Providers.Timeout = 60 * time.Second
	}
	if len(c.Providers.Text) == 0 {
		c.Providers.Text = []TextProviderConfig{{
			Name:      "openai",
			Type:      "openai",
			APIKeyEnv: "OPENAI_API_KEY",
		}}
	}
	for i := range c.Providers.Text {
		p := &c.Providers.Text[i]
		if p.Type == "" {
			p.Type = p.Name
		}
		if p.Name == "" {
			p.Name = p.Type
		}
	}
	if s := c.Providers.Speech; s != nil {
		if s.Type == "" {
			s.Type = "elevenlabs"
		}
		if s.APIKeyEnv == "" {
			s.APIKeyEnv = "ELEVENLABS_API_KEY"
		}
		if s.OutputFormat == "" {
			s.OutputFormat = "mp3_44100_64"
		}
	}

	if c.Frontends.Telegram.PollTimeout == 0 {
		c.Frontends.Telegram.PollTimeout = 30 * time.Second
	}
	if c.Frontends.Matrix.E2EE && c.Frontends.Matrix.CryptoDBPath == "" {
		c.Frontends.Matrix.CryptoDBPath = "relay-crypto.db"
	}

	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 5 * time.Minute
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 10000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be memory or sqlite, got %q", c.Database.Driver)
	}

	if c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("engine.max_attempts must not be negative")
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers.Text {
		switch p.Type {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("providers.text[%d].type must be openai or anthropic, got %q", i, p.Type)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers.text[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL != "" {
			if _, err := url.Parse(p.BaseURL); err != nil {
				return fmt.Errorf("providers.text[%d].base_url is not a valid URL: %w", i, err)
			}
		}
	}
	if s := c.Providers.Speech; s != nil && s.Type != "elevenlabs" {
		return fmt.Errorf("providers.speech.type must be elevenlabs, got %q", s.Type)
	}
	if c.Engine.Speech && c.Providers.Speech == nil {
		return fmt.Errorf("engine.speech requires providers.speech")
	}

	if tg := c.Frontends.Telegram; tg.Enabled && tg.BotToken == "" {
		return fmt.Errorf("frontends.telegram.bot_token is required when telegram is enabled")
	}

	if m := c.Frontends.Matrix; m.Enabled {
		if m.Homeserver == "" {
			return fmt.Errorf("frontends.matrix.homeserver is required")
		}
		if _, err := url.Parse(m.Homeserver); err != nil {
			return fmt.Errorf("frontends.matrix.homeserver is not a valid URL: %w", err)
		}
		if m.Username == "" {
			return fmt.Errorf("frontends.matrix.username is required")
		}
		if m.Password == "" {
			return fmt.Errorf("frontends.matrix.password is required")
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"database.session_ttl", cfg.Database.SessionTTLRaw, &cfg.Database.SessionTTL},
		{"database.prune_interval", cfg.Database.PruneIntervalRaw, &cfg.Database.PruneInterval},
		{"providers.timeout", cfg.Providers.TimeoutRaw, &cfg.Providers.Timeout},
		{"frontends.telegram.poll_timeout", cfg.Frontends.Telegram.PollTimeoutRaw, &cfg.Frontends.Telegram.PollTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

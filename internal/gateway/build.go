// ABOUTME: Builds relay components from configuration
// ABOUTME: Opens the session store, assembles the provider gateway, and maps persona settings onto the engine

package gateway

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/provider"
	"github.com/2389/coven-relay/internal/store"
)

// EnvDBPath overrides database.path when set.
const EnvDBPath = "COVEN_RELAY_DB_PATH"

// OpenStore opens the session store selected by database.driver.
func OpenStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		dbPath := cfg.Database.Path
		if envPath := os.Getenv(EnvDBPath); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// BuildProviders assembles the provider gateway from the providers section.
// Credentials may be nil to read API keys from the environment.
func BuildProviders(cfg *config.Config, creds provider.Credentials, logger *slog.Logger) (*provider.Gateway, error) {
	text := make([]provider.TextProvider, 0, len(cfg.Providers.Text))
	for i, pc := range cfg.Providers.Text {
		tp, err := textProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("providers.text[%d]: %w", i, err)
		}
		text = append(text, tp)
	}

	var speech *provider.SpeechProvider
	if sc := cfg.Providers.Speech; sc != nil {
		sp, err := speechProvider(*sc)
		if err != nil {
			return nil, fmt.Errorf("providers.speech: %w", err)
		}
		speech = sp
	}

	return provider.NewGateway(provider.GatewayConfig{
		Text:        text,
		Speech:      speech,
		Credentials: creds,
		Timeout:     cfg.Providers.Timeout,
		Logger:      logger,
	}), nil
}

func textProvider(pc config.TextProviderConfig) (provider.TextProvider, error) {
	retries := -1
	if pc.MaxRetries != nil {
		retries = *pc.MaxRetries
	}

	switch pc.Type {
	case "openai":
		oc := provider.OpenAIConfig{Model: pc.Model, BaseURL: pc.BaseURL, MaxRetries: retries}
		return provider.TextProvider{
			Name:       pc.Name,
			Credential: pc.APIKeyEnv,
			New:        func(apiKey string) provider.TextGenerator { return provider.NewOpenAI(apiKey, oc) },
		}, nil
	case "anthropic":
		ac := provider.AnthropicConfig{Model: pc.Model, BaseURL: pc.BaseURL, MaxTokens: pc.MaxTokens, MaxRetries: retries}
		return provider.TextProvider{
			Name:       pc.Name,
			Credential: pc.APIKeyEnv,
			New:        func(apiKey string) provider.TextGenerator { return provider.NewAnthropic(apiKey, ac) },
		}, nil
	default:
		return provider.TextProvider{}, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

func speechProvider(sc config.SpeechConfig) (*provider.SpeechProvider, error) {
	if sc.Type != "elevenlabs" {
		return nil, fmt.Errorf("unknown speech type %q", sc.Type)
	}
	ec := provider.ElevenLabsConfig{
		BaseURL:      sc.BaseURL,
		VoiceID:      sc.VoiceID,
		ModelID:      sc.ModelID,
		OutputFormat: sc.OutputFormat,
	}
	return &provider.SpeechProvider{
		Name:       sc.Type,
		Credential: sc.APIKeyEnv,
		New:        func(apiKey string) provider.SpeechSynthesizer { return provider.NewElevenLabs(apiKey, ec) },
	}, nil
}

// EngineConfig maps the persona and engine sections onto conversation.Config.
func EngineConfig(cfg *config.Config) conversation.Config {
	return conversation.Config{
		SystemPrompt:  cfg.Persona.SystemPrompt,
		DisabledReply: cfg.Persona.DisabledReply,
		ErrorReply:    cfg.Persona.ErrorReply,
		BusyReply:     cfg.Persona.BusyReply,
		MaxAttempts:   cfg.Engine.MaxAttempts,
		Speech:        cfg.Engine.Speech,
	}
}

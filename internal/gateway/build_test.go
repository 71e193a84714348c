// ABOUTME: Tests for building relay components from configuration
// ABOUTME: Covers provider assembly, store selection, and persona mapping

package gateway

import (
	"path/filepath"
	"testing"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/provider"
)

func TestBuildProviders_StatusFollowsCredentials(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Text: []config.TextProviderConfig{
				{Name: "openai", Type: "openai", APIKeyEnv: "OPENAI_API_KEY"},
				{Name: "claude", Type: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY"},
			},
			Speech: &config.SpeechConfig{Type: "elevenlabs", APIKeyEnv: "ELEVENLABS_API_KEY"},
		},
	}
	cfg.ApplyDefaults()

	creds := provider.MapCredentials{"ANTHROPIC_API_KEY": "sk-ant"}
	gw, err := BuildProviders(cfg, creds, testLogger())
	if err != nil {
		t.Fatalf("BuildProviders() failed: %v", err)
	}

	status := gw.Status()
	if len(status) != 3 {
		t.Fatalf("expected 3 capabilities, got %d", len(status))
	}
	want := []provider.Capability{
		{Kind: "text", Name: "openai", Credential: "OPENAI_API_KEY", Enabled: false},
		{Kind: "text", Name: "claude", Credential: "ANTHROPIC_API_KEY", Enabled: true},
		{Kind: "speech", Name: "elevenlabs", Credential: "ELEVENLABS_API_KEY", Enabled: false},
	}
	for i, w := range want {
		if status[i] != w {
			t.Errorf("status[%d] = %+v, want %+v", i, status[i], w)
		}
	}
	if gw.SpeechEnabled() {
		t.Error("speech should be disabled without a credential")
	}
}

func TestBuildProviders_UnknownType(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Text: []config.TextProviderConfig{{Name: "x", Type: "gemini", APIKeyEnv: "X"}},
		},
	}
	if _, err := BuildProviders(cfg, provider.MapCredentials{}, testLogger()); err == nil {
		t.Error("expected error for unknown provider type")
	}
}

func TestBuildProviders_UnknownSpeechType(t *testing.T) {
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			Speech: &config.SpeechConfig{Type: "polly"},
		},
	}
	if _, err := BuildProviders(cfg, provider.MapCredentials{}, testLogger()); err == nil {
		t.Error("expected error for unknown speech type")
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := &config.Config{
		Persona: config.PersonaConfig{
			SystemPrompt: "Be brief.",
			ErrorReply:   "Oops.",
			BusyReply:    "Busy.",
		},
		Engine: config.EngineConfig{MaxAttempts: 7, Speech: true},
	}

	ec := EngineConfig(cfg)
	if ec.SystemPrompt != "Be brief." || ec.ErrorReply != "Oops." || ec.BusyReply != "Busy." {
		t.Errorf("persona not mapped: %+v", ec)
	}
	if ec.MaxAttempts != 7 || !ec.Speech {
		t.Errorf("engine settings not mapped: %+v", ec)
	}
}

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := OpenStore(&config.Config{Database: config.DatabaseConfig{Driver: "memory"}})
		if err != nil {
			t.Fatalf("OpenStore() failed: %v", err)
		}
		defer s.Close()
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "relay.db")
		s, err := OpenStore(&config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: path}})
		if err != nil {
			t.Fatalf("OpenStore() failed: %v", err)
		}
		defer s.Close()
	})

	t.Run("env overrides path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "override.db")
		t.Setenv(EnvDBPath, path)
		s, err := OpenStore(&config.Config{Database: config.DatabaseConfig{Driver: "sqlite", Path: "/nonexistent/dir/relay.db"}})
		if err != nil {
			t.Fatalf("OpenStore() failed: %v", err)
		}
		defer s.Close()
	})

	t.Run("unknown driver", func(t *testing.T) {
		if _, err := OpenStore(&config.Config{Database: config.DatabaseConfig{Driver: "postgres"}}); err == nil {
			t.Error("expected error for unknown driver")
		}
	})
}

// ABOUTME: Provider Gateway: credential-gated text generation and speech synthesis
// ABOUTME: Probes each provider's credential before calling and bounds every call by a timeout

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// TextGenerator produces a reply for an ordered turn sequence.
type TextGenerator interface {
	Generate(ctx context.Context, turns []store.Turn) (string, error)
}

// SpeechSynthesizer converts reply text to audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

// Audio is a synthesized speech payload.
type Audio struct {
	Data     []byte
	Format   string // "mp3", "pcm", "opus", ...
	MimeType string
}

// TextProvider is one configured text backend and the credential that enables it.
type TextProvider struct {
	Name string
	// Credential is the environment variable holding the API key.
	// An empty Credential means the provider needs no key and is always enabled.
	Credential string
	// New builds a generator for the resolved API key.
	New func(apiKey string) TextGenerator
}

// SpeechProvider is the configured speech backend and the credential that enables it.
type SpeechProvider struct {
	Name       string
	Credential string
	New        func(apiKey string) SpeechSynthesizer
}

// Credentials resolves named credentials.
type Credentials interface {
	Lookup(name string) (string, bool)
}

// EnvCredentials reads credentials from the process environment.
type EnvCredentials struct{}

// Lookup returns the variable's value if it is set and non-empty.
func (EnvCredentials) Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}

// MapCredentials is a fixed credential set, mostly for tests.
type MapCredentials map[string]string

// Lookup returns the value if present and non-empty.
func (m MapCredentials) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok && v != ""
}

// TextResult is the outcome of one text provider call.
type TextResult struct {
	Provider string
	Text     string
	Err      error // set only by GenerateAll
}

// Capability describes whether a provider is currently enabled.
type Capability struct {
	Kind       string // "text" or "speech"
	Name       string
	Credential string
	Enabled    bool
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	Text        []TextProvider // priority order
	Speech      *SpeechProvider
	Credentials Credentials
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Gateway is the uniform call surface for text and speech providers.
// It holds no per-call state and is safe for concurrent use.
type Gateway struct {
	text    []TextProvider
	speech  *SpeechProvider
	creds   Credentials
	timeout time.Duration
	logger  *slog.Logger
}

// NewGateway creates a Gateway. Credentials default to the environment.
func NewGateway(cfg GatewayConfig) *Gateway {
	creds := cfg.Credentials
	if creds == nil {
		creds = EnvCredentials{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		text:    cfg.Text,
		speech:  cfg.Speech,
		creds:   creds,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "provider"),
	}
}

type enabledText struct {
	provider TextProvider
	apiKey   string
}

// probeText returns the text providers whose credentials are present, in priority order.
func (g *Gateway) probeText() []enabledText {
	var enabled []enabledText
	for _, p := range g.text {
		key, ok := g.lookup(p.Credential)
		if !ok {
			g.logger.Debug("skipping text provider", "provider", p.Name, "credential", p.Credential)
			continue
		}
		enabled = append(enabled, enabledText{provider: p, apiKey: key})
	}
	return enabled
}

func (g *Gateway) lookup(credential string) (string, bool) {
	if credential == "" {
		return "", true
	}
	return g.creds.Lookup(credential)
}

func (g *Gateway) unavailableText() error {
	if len(g.text) == 0 {
		return fmt.Errorf("%w: no text providers configured", ErrUnavailable)
	}
	creds := make([]string, 0, len(g.text))
	for _, p := range g.text {
		creds = append(creds, p.Credential)
	}
	return fmt.Errorf("%w: none of %s is set", ErrUnavailable, strings.Join(creds, ", "))
}

// GenerateText calls the highest-priority enabled text provider.
func (g *Gateway) GenerateText(ctx context.Context, turns []store.Turn) (*TextResult, error) {
	enabled := g.probeText()
	if len(enabled) == 0 {
		return nil, g.unavailableText()
	}
	first := enabled[0]
	text, err := g.generate(ctx, first, turns)
	if err != nil {
		return nil, err
	}
	return &TextResult{Provider: first.provider.Name, Text: text}, nil
}

// GenerateAll calls every enabled text provider concurrently and returns one
// result per enabled provider in priority order. Per-provider failures are
// reported in TextResult.Err; only the no-provider case fails the whole call.
func (g *Gateway) GenerateAll(ctx context.Context, turns []store.Turn) ([]TextResult, error) {
	enabled := g.probeText()
	if len(enabled) == 0 {
		return nil, g.unavailableText()
	}

	results := make([]TextResult, len(enabled))
	var wg sync.WaitGroup
	wg.Add(len(enabled))
	for i, e := range enabled {
		go func(i int, e enabledText) {
			defer wg.Done()
			text, err := g.generate(ctx, e, turns)
			results[i] = TextResult{Provider: e.provider.Name, Text: text, Err: err}
		}(i, e)
	}
	wg.Wait()
	return results, nil
}

func (g *Gateway) generate(ctx context.Context, e enabledText, turns []store.Turn) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	text, err := e.provider.New(e.apiKey).Generate(ctx, turns)
	if err != nil {
		return "", &Error{Provider: e.provider.Name, Op: "generate", Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &Error{Provider: e.provider.Name, Op: "generate", Err: errEmptyOutput}
	}

	g.logger.Debug("text generated",
		"provider", e.provider.Name,
		"turns", len(turns),
		"length", len(text),
		"duration", time.Since(start))
	return text, nil
}

// SpeechEnabled reports whether a speech provider is configured and its credential is present.
func (g *Gateway) SpeechEnabled() bool {
	if g.speech == nil {
		return false
	}
	_, ok := g.lookup(g.speech.Credential)
	return ok
}

// SynthesizeSpeech converts text to audio with the configured speech provider.
func (g *Gateway) SynthesizeSpeech(ctx context.Context, text string) (*Audio, error) {
	if g.speech == nil {
		return nil, fmt.Errorf("%w: no speech provider configured", ErrUnavailable)
	}
	key, ok := g.lookup(g.speech.Credential)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not set", ErrUnavailable, g.speech.Credential)
	}

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	audio, err := g.speech.New(key).Synthesize(ctx, text)
	if err != nil {
		return nil, &Error{Provider: g.speech.Name, Op: "synthesize", Err: err}
	}
	if audio == nil || len(audio.Data) == 0 {
		return nil, &Error{Provider: g.speech.Name, Op: "synthesize", Err: errEmptyOutput}
	}
	return audio, nil
}

// Status reports every configured provider and whether its credential is present.
func (g *Gateway) Status() []Capability {
	caps := make([]Capability, 0, len(g.text)+1)
	for _, p := range g.text {
		_, ok := g.lookup(p.Credential)
		caps = append(caps, Capability{Kind: "text", Name: p.Name, Credential: p.Credential, Enabled: ok})
	}
	if g.speech != nil {
		_, ok := g.lookup(g.speech.Credential)
		caps = append(caps, Capability{Kind: "speech", Name: g.speech.Name, Credential: g.speech.Credential, Enabled: ok})
	}
	return caps
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

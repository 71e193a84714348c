// ABOUTME: Engine is the per-session state machine between transports and providers
// ABOUTME: Builds model context from history and commits each turn with compare-and-swap

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/provider"
	"github.com/2389/coven-relay/internal/store"
)

var (
	// ErrSessionContention means every commit attempt lost the race to a concurrent turn.
	ErrSessionContention = errors.New("session contention")

	// ErrEmptyMessage means the inbound text was empty after trimming.
	ErrEmptyMessage = errors.New("empty message")
)

const (
	// DefaultSystemPrompt is the persona used when none is configured.
	DefaultSystemPrompt = "Answer on the level of A1 speaker, then make open-ended statement or ask question."

	DefaultDisabledReply = "Sorry, I can't answer right now: no language model is configured."
	DefaultErrorReply    = "Sorry, something went wrong. Please try again."
	DefaultBusyReply     = "Sorry, I'm busy with your previous message. Please send that again."

	// DefaultMaxAttempts bounds the commit retry loop.
	DefaultMaxAttempts = 3
)

// Providers is what the engine needs from the provider gateway.
type Providers interface {
	GenerateText(ctx context.Context, turns []store.Turn) (*provider.TextResult, error)
	GenerateAll(ctx context.Context, turns []store.Turn) ([]provider.TextResult, error)
	SpeechEnabled() bool
	SynthesizeSpeech(ctx context.Context, text string) (*provider.Audio, error)
}

// Config holds the persona and retry policy.
type Config struct {
	SystemPrompt  string
	DisabledReply string
	ErrorReply    string
	BusyReply     string
	MaxAttempts   int
	// Speech attaches synthesized audio to replies when a speech provider is enabled.
	Speech bool
}

func (c *Config) applyDefaults() {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.DisabledReply == "" {
		c.DisabledReply = DefaultDisabledReply
	}
	if c.ErrorReply == "" {
		c.ErrorReply = DefaultErrorReply
	}
	if c.BusyReply == "" {
		c.BusyReply = DefaultBusyReply
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Reply is what a transport sends back for one inbound message.
type Reply struct {
	Text          string
	Audio         []byte
	AudioFormat   string
	AudioMimeType string
	Provider      string
	// Fallback is set when no provider was available and Text is the canned reply.
	Fallback bool
}

// HasAudio reports whether the reply carries synthesized speech.
func (r *Reply) HasAudio() bool {
	return len(r.Audio) > 0
}

// Engine handles inbound messages for any number of concurrent sessions.
// Ordering within a session comes only from the store's version check.
type Engine struct {
	store       store.Store
	providers   Providers
	cfg         Config
	broadcaster *EventBroadcaster
	logger      *slog.Logger
}

// New creates an Engine. Pass nil logger for default.
func New(sessions store.Store, providers Providers, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Engine{
		store:     sessions,
		providers: providers,
		cfg:       cfg,
		logger:    logger.With("component", "conversation"),
	}
}

// SetBroadcaster publishes every committed turn to b.
func (e *Engine) SetBroadcaster(b *EventBroadcaster) {
	e.broadcaster = b
}

// generateFunc produces candidate replies for a context. The first result
// without an error is the one committed to history.
type generateFunc func(ctx context.Context, turns []store.Turn) ([]provider.TextResult, error)

// HandleMessage runs one turn against the highest-priority enabled provider.
func (e *Engine) HandleMessage(ctx context.Context, sessionKey, text string) (*Reply, error) {
	replies, err := e.handle(ctx, sessionKey, text, e.generateOne)
	if err != nil {
		return nil, err
	}
	return replies[0], nil
}

// HandleMessageFanOut calls every enabled provider with the same context and
// returns one reply per provider that succeeded, in priority order. Only the
// highest-priority success is committed to history.
func (e *Engine) HandleMessageFanOut(ctx context.Context, sessionKey, text string) ([]*Reply, error) {
	return e.handle(ctx, sessionKey, text, e.generateAll)
}

func (e *Engine) generateOne(ctx context.Context, turns []store.Turn) ([]provider.TextResult, error) {
	res, err := e.providers.GenerateText(ctx, turns)
	if err != nil {
		return nil, err
	}
	return []provider.TextResult{*res}, nil
}

func (e *Engine) generateAll(ctx context.Context, turns []store.Turn) ([]provider.TextResult, error) {
	results, err := e.providers.GenerateAll(ctx, turns)
	if err != nil {
		return nil, err
	}

	succeeded := make([]provider.TextResult, 0, len(results))
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			e.logger.Warn("fan-out provider failed", "provider", r.Provider, "error", r.Err)
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		succeeded = append(succeeded, r)
	}
	if len(succeeded) == 0 {
		return nil, firstErr
	}
	return succeeded, nil
}

func (e *Engine) handle(ctx context.Context, sessionKey, text string, generate generateFunc) ([]*Reply, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	turnID := uuid.New().String()
	logger := e.logger.With("session_key", sessionKey, "turn_id", turnID)
	start := time.Now()

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sess, err := e.store.Get(ctx, sessionKey)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}

		turns := e.buildContext(sess, text)

		results, err := generate(ctx, turns)
		if errors.Is(err, provider.ErrUnavailable) {
			logger.Warn("no provider available, sending fallback", "error", err)
			return []*Reply{{Text: e.cfg.DisabledReply, Fallback: true}}, nil
		}
		if err != nil {
			logger.Error("provider call failed", "attempt", attempt, "error", err)
			return nil, fmt.Errorf("generate reply: %w", err)
		}

		committed := results[0]
		history := append(turns, store.AssistantTurn(committed.Text))
		if err := store.ValidateHistory(history); err != nil {
			return nil, fmt.Errorf("session %s: %w", sessionKey, err)
		}

		next := &store.Session{Key: sessionKey, State: store.Active{History: history}}
		err = e.store.CompareAndSwap(ctx, sessionKey, sess.Version, next)
		if errors.Is(err, store.ErrConflict) {
			logger.Debug("session changed during turn, retrying",
				"attempt", attempt,
				"version", sess.Version)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("commit turn: %w", err)
		}

		logger.Info("turn committed",
			"provider", committed.Provider,
			"version", sess.Version+1,
			"history_len", len(history),
			"attempts", attempt,
			"duration", time.Since(start))

		e.publish(sessionKey, sess.Version+1, text, committed)

		replies := make([]*Reply, 0, len(results))
		for _, r := range results {
			reply := &Reply{Text: r.Text, Provider: r.Provider}
			e.attachSpeech(ctx, logger, reply)
			replies = append(replies, reply)
		}
		return replies, nil
	}

	logger.Warn("giving up after repeated conflicts", "attempts", e.cfg.MaxAttempts)
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrSessionContention, sessionKey, e.cfg.MaxAttempts)
}

// buildContext returns the turns to send: a fresh persona prompt for an idle
// session, otherwise the stored history, followed by the new user turn.
func (e *Engine) buildContext(sess *store.Session, text string) []store.Turn {
	history := sess.History()
	turns := make([]store.Turn, 0, len(history)+2)
	if len(history) == 0 {
		turns = append(turns, store.SystemTurn(e.cfg.SystemPrompt))
	} else {
		turns = append(turns, history...)
	}
	return append(turns, store.UserTurn(text))
}

func (e *Engine) attachSpeech(ctx context.Context, logger *slog.Logger, reply *Reply) {
	if !e.cfg.Speech || !e.providers.SpeechEnabled() {
		return
	}
	audio, err := e.providers.SynthesizeSpeech(ctx, reply.Text)
	if err != nil {
		logger.Warn("speech synthesis failed, sending text only", "error", err)
		return
	}
	reply.Audio = audio.Data
	reply.AudioFormat = audio.Format
	reply.AudioMimeType = audio.MimeType
}

func (e *Engine) publish(sessionKey string, version int64, userText string, committed provider.TextResult) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.Publish(sessionKey, &TurnEvent{
		SessionKey: sessionKey,
		Version:    version,
		User:       userText,
		Assistant:  committed.Text,
		Provider:   committed.Provider,
		Timestamp:  time.Now(),
	}, "")
}

// Session returns the current state of a session.
func (e *Engine) Session(ctx context.Context, sessionKey string) (*store.Session, error) {
	return e.store.Get(ctx, sessionKey)
}

// Reset discards a session so its next message starts from the persona prompt.
func (e *Engine) Reset(ctx context.Context, sessionKey string) error {
	if err := e.store.Delete(ctx, sessionKey); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	e.logger.Info("session reset", "session_key", sessionKey)
	return nil
}

// UserFacingError maps an error from HandleMessage to the text sent to the
// end user. Raw error text is never exposed.
func (e *Engine) UserFacingError(err error) string {
	if errors.Is(err, ErrSessionContention) {
		return e.cfg.BusyReply
	}
	return e.cfg.ErrorReply
}

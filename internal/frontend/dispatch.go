// ABOUTME: Dispatcher is the shared inbound path every transport adapter goes through
// ABOUTME: Drops redeliveries, answers non-text input, picks single or fan-out mode, and hides raw errors

package frontend

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
)

// DefaultPlainTextPrompt answers messages that carry no text.
const DefaultPlainTextPrompt = "Send me plain text."

// Engine is what transports need from the conversation engine.
type Engine interface {
	HandleMessage(ctx context.Context, sessionKey, text string) (*conversation.Reply, error)
	HandleMessageFanOut(ctx context.Context, sessionKey, text string) ([]*conversation.Reply, error)
	UserFacingError(err error) string
}

// Inbound is one message received by a transport.
type Inbound struct {
	Transport  string // "telegram", "matrix", "http", "ws"
	SessionKey string
	// DeliveryID identifies the delivery for de-duplication, scoped to
	// Transport and SessionKey. Empty disables the check.
	DeliveryID string
	Text       string
	// NonText marks stickers, images, voice notes and other content without text.
	NonText bool
}

// Result is what a transport should send back.
type Result struct {
	Replies []*conversation.Reply
	// Err is the unrecovered engine error, if any. Replies then holds the apology.
	Err error
	// Duplicate is set when the delivery was already handled; nothing should be sent.
	Duplicate bool
	// Prompted is set when the input had no text and Replies holds the plain-text prompt.
	Prompted bool
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	FanOut          bool
	PlainTextPrompt string
	Dedupe          *dedupe.Cache // optional
}

// Dispatcher routes inbound messages to the engine.
type Dispatcher struct {
	engine Engine
	cfg    DispatcherConfig
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Pass nil logger for default.
func NewDispatcher(engine Engine, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PlainTextPrompt == "" {
		cfg.PlainTextPrompt = DefaultPlainTextPrompt
	}
	return &Dispatcher{
		engine: engine,
		cfg:    cfg,
		logger: logger.With("component", "dispatcher"),
	}
}

// Dispatch handles one inbound message and returns the replies to deliver.
func (d *Dispatcher) Dispatch(ctx context.Context, in Inbound) Result {
	logger := d.logger.With("transport", in.Transport, "session_key", in.SessionKey)

	if d.cfg.Dedupe != nil && in.DeliveryID != "" {
		if d.cfg.Dedupe.CheckAndMark(deliveryKey(in)) {
			logger.Debug("dropping duplicate delivery", "delivery_id", in.DeliveryID)
			return Result{Duplicate: true}
		}
	}

	text := strings.TrimSpace(in.Text)
	if in.NonText || text == "" {
		return Result{
			Replies:  []*conversation.Reply{{Text: d.cfg.PlainTextPrompt}},
			Prompted: true,
		}
	}

	var (
		replies []*conversation.Reply
		err     error
	)
	if d.cfg.FanOut {
		replies, err = d.engine.HandleMessageFanOut(ctx, in.SessionKey, text)
	} else {
		var reply *conversation.Reply
		reply, err = d.engine.HandleMessage(ctx, in.SessionKey, text)
		if reply != nil {
			replies = []*conversation.Reply{reply}
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("dispatch cancelled")
		} else {
			logger.Error("message handling failed", "error", err)
		}
		// Let a redelivery of a failed message through.
		if d.cfg.Dedupe != nil && in.DeliveryID != "" {
			d.cfg.Dedupe.Forget(deliveryKey(in))
		}
		return Result{
			Replies: []*conversation.Reply{{Text: d.engine.UserFacingError(err)}},
			Err:     err,
		}
	}

	return Result{Replies: replies}
}

// deliveryKey scopes a delivery id to its session. API clients choose their
// own ids, so the same id from two sessions is two different messages.
func deliveryKey(in Inbound) string {
	return dedupe.Key(in.Transport, in.SessionKey+"\x00"+in.DeliveryID)
}

// Truncate shortens a string to the given max rune count, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

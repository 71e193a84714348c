// ABOUTME: Telegram transport: long-polls the Bot API and relays chat messages to the dispatcher
// ABOUTME: Each chat id is one session; replies go back as text plus an optional audio file

package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/frontend"
)

// Transport is the name used for logging and de-duplication keys.
const Transport = "telegram"

const (
	defaultPollTimeout = 30 * time.Second
	retryDelay         = 3 * time.Second
	sendTimeout        = 30 * time.Second
)

// Dispatcher is the part of frontend.Dispatcher the bot uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, in frontend.Inbound) frontend.Result
}

// Config configures the bot.
type Config struct {
	// AllowedChats restricts which chats are served. Empty serves every chat.
	AllowedChats []int64
	PollTimeout  time.Duration
}

// Bot relays Telegram messages to the dispatcher.
type Bot struct {
	client     *Client
	dispatcher Dispatcher
	cfg        Config
	allowed    map[int64]struct{}
	logger     *slog.Logger

	wg sync.WaitGroup
}

// SessionKey maps a chat id to its session key.
func SessionKey(chatID int64) string {
	return Transport + ":" + strconv.FormatInt(chatID, 10)
}

// NewBot creates a bot. Pass nil logger for default.
func NewBot(client *Client, dispatcher Dispatcher, cfg Config, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	allowed := make(map[int64]struct{}, len(cfg.AllowedChats))
	for _, id := range cfg.AllowedChats {
		allowed[id] = struct{}{}
	}
	return &Bot{
		client:     client,
		dispatcher: dispatcher,
		cfg:        cfg,
		allowed:    allowed,
		logger:     logger.With("component", "telegram"),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight messages.
// Messages are handled concurrently; ordering within a chat comes from the
// engine's per-session version check.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("telegram polling started", "poll_timeout", b.cfg.PollTimeout)
	defer b.wg.Wait()

	var offset int64
	for {
		if ctx.Err() != nil {
			b.logger.Info("telegram polling stopped")
			return nil
		}

		updates, err := b.client.GetUpdates(ctx, offset, b.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil {
				continue
			}
			b.wg.Add(1)
			go func(u Update) {
				defer b.wg.Done()
				b.handleUpdate(ctx, u)
			}(u)
		}
	}
}

func (b *Bot) isChatAllowed(chatID int64) bool {
	if len(b.allowed) == 0 {
		return true
	}
	_, ok := b.allowed[chatID]
	return ok
}

func (b *Bot) handleUpdate(ctx context.Context, u Update) {
	msg := u.Message
	chatID := msg.Chat.ID
	logger := b.logger.With("chat_id", chatID, "update_id", u.UpdateID)

	if msg.From != nil && msg.From.IsBot {
		return
	}
	if !b.isChatAllowed(chatID) {
		logger.Debug("ignoring message from chat not in allowlist")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text != "" {
		if err := b.client.SendChatAction(ctx, chatID, "typing"); err != nil {
			logger.Debug("sendChatAction failed", "error", err)
		}
	}

	res := b.dispatcher.Dispatch(ctx, frontend.Inbound{
		Transport:  Transport,
		SessionKey: SessionKey(chatID),
		DeliveryID: strconv.FormatInt(u.UpdateID, 10),
		Text:       text,
		NonText:    text == "",
	})
	if res.Duplicate {
		return
	}

	// Replies still go out when the poll context is cancelled mid-shutdown.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	for _, reply := range res.Replies {
		if err := b.client.SendMessage(sendCtx, chatID, reply.Text); err != nil {
			logger.Error("sendMessage failed", "error", err)
			continue
		}
		if !reply.HasAudio() {
			continue
		}
		if err := b.client.SendAudio(sendCtx, chatID, reply.Audio, audioFilename(reply.AudioFormat), reply.AudioMimeType); err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				logger.Warn("telegram rejected audio", "code", apiErr.Code, "description", apiErr.Description)
			} else {
				logger.Warn("sendAudio failed", "error", err)
			}
		}
	}
}

// audioFilename derives a file name from an output format like "mp3_44100_64".
func audioFilename(format string) string {
	ext, _, _ := strings.Cut(format, "_")
	if ext == "" {
		ext = "mp3"
	}
	return "reply." + ext
}

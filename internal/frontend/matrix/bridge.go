// ABOUTME: Matrix transport: syncs as a bot account and relays room messages to the dispatcher
// ABOUTME: Each room is one session; replies go out as markdown-rendered text plus optional audio

package matrix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/frontend"
)

// Transport is the name used for logging and de-duplication keys.
const Transport = "matrix"

// typingTimeout is how long the typing indicator shows.
const typingTimeout = 30 * time.Second

// networkTimeout bounds Matrix API calls made outside a request context.
const networkTimeout = 10 * time.Second

// sendTimeout bounds message and media sends, which can be large.
const sendTimeout = 30 * time.Second

// Dispatcher is the part of frontend.Dispatcher the bridge uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, in frontend.Inbound) frontend.Result
}

// Config configures the bridge.
type Config struct {
	Homeserver      string
	Username        string
	Password        string
	RecoveryKey     string
	AllowedRooms    []string
	CommandPrefix   string
	TypingIndicator bool
	E2EE            bool
	CryptoDBPath    string
}

// Bridge relays Matrix room messages to the dispatcher.
type Bridge struct {
	cfg        Config
	matrix     *mautrix.Client
	dispatcher Dispatcher
	crypto     *CryptoManager
	logger     *slog.Logger

	wg sync.WaitGroup
}

// SessionKey maps a room to its session key.
func SessionKey(roomID id.RoomID) string {
	return Transport + ":" + roomID.String()
}

// NewBridge creates a bridge. Nothing touches the network until Run.
func NewBridge(cfg Config, dispatcher Dispatcher, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Bridge{
		cfg:        cfg,
		matrix:     client,
		dispatcher: dispatcher,
		logger:     logger.With("component", "matrix"),
	}, nil
}

// Login authenticates with username and password and stores the access token
// on the client.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.cfg.Username,
		},
		Password:                 b.cfg.Password,
		InitialDeviceDisplayName: "coven-relay",
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	b.logger.Info("logged in to matrix", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// Run logs in, optionally enables encryption, and syncs until ctx is
// cancelled. In-flight messages are allowed to finish before it returns.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge", "homeserver", b.cfg.Homeserver, "user", b.cfg.Username)

	if err := b.Login(ctx); err != nil {
		return err
	}

	if b.cfg.E2EE {
		cm, err := SetupCrypto(ctx, b.matrix, b.cfg.CryptoDBPath, b.cfg.RecoveryKey, b.logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		b.crypto = cm
		defer func() {
			if err := cm.Close(); err != nil {
				b.logger.Warn("closing crypto store", "error", err)
			}
		}()
	}

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	// Skip the backlog delivered by the first sync.
	syncer.OnSync(b.matrix.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	syncer.OnEventType(event.StateMember, b.handleMemberEvent)

	syncCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(syncCtx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		cancel()
		b.wg.Wait()
		return nil
	case err := <-syncErr:
		b.wg.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMemberEvent accepts invites into allowed rooms.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != b.matrix.UserID.String() {
		return
	}
	if !b.isRoomAllowed(evt.RoomID.String()) {
		b.logger.Debug("ignoring invite to room not in allowlist", "room", evt.RoomID)
		return
	}
	if _, err := b.matrix.JoinRoomByID(ctx, evt.RoomID); err != nil {
		b.logger.Warn("failed to join room", "room", evt.RoomID, "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// handleMessageEvent filters a room message and hands it off without
// blocking the sync loop.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.matrix.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from room not in allowlist", "room", roomID)
		return
	}

	text, nonText, ok := classify(content)
	if !ok {
		return
	}
	if b.cfg.CommandPrefix != "" {
		if nonText {
			return
		}
		if text, ok = stripPrefix(text, b.cfg.CommandPrefix); !ok {
			return
		}
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", frontend.Truncate(text, 50),
	)

	in := frontend.Inbound{
		Transport:  Transport,
		SessionKey: SessionKey(evt.RoomID),
		DeliveryID: evt.ID.String(),
		Text:       text,
		NonText:    nonText,
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessage(ctx, evt.RoomID, in)
	}()
}

func (b *Bridge) processMessage(ctx context.Context, roomID id.RoomID, in frontend.Inbound) {
	if b.cfg.TypingIndicator && !in.NonText {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	res := b.dispatcher.Dispatch(ctx, in)
	if res.Duplicate {
		return
	}

	for _, reply := range res.Replies {
		b.sendText(roomID, reply.Text)
		if reply.HasAudio() {
			b.sendAudio(roomID, reply.Audio, reply.AudioFormat, reply.AudioMimeType)
		}
	}
}

// classify extracts text from a message. ok is false for messages the
// bridge should ignore entirely, such as notices from other bots.
func classify(content *event.MessageEventContent) (text string, nonText bool, ok bool) {
	switch content.MsgType {
	case event.MsgText, event.MsgEmote:
		return strings.TrimSpace(content.Body), false, true
	case event.MsgNotice:
		return "", false, false
	default:
		return "", true, true
	}
}

// stripPrefix removes the command prefix. ok is false when text lacks it.
func stripPrefix(text, prefix string) (string, bool) {
	if !strings.HasPrefix(text, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(text, prefix)), true
}

func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.cfg.AllowedRooms) == 0 {
		return true
	}
	return slices.Contains(b.cfg.AllowedRooms, roomID)
}

func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendText sends text with an HTML rendering for clients that support it.
func (b *Bridge) sendText(roomID id.RoomID, text string) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html, err := renderMarkdown(text); err == nil && html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// sendAudio uploads audio to the media repository and posts an m.audio event.
func (b *Bridge) sendAudio(roomID id.RoomID, audio []byte, format, mimeType string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	upload, err := b.matrix.UploadBytes(ctx, audio, mimeType)
	if err != nil {
		b.logger.Warn("failed to upload audio", "room", roomID.String(), "error", err)
		return
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgAudio,
		Body:    audioFilename(format),
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mimeType,
			Size:     len(audio),
		},
	}
	if _, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		b.logger.Warn("failed to send audio", "room", roomID.String(), "error", err)
	}
}

// renderMarkdown converts reply markdown to HTML for formatted_body.
func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func audioFilename(format string) string {
	ext, _, _ := strings.Cut(format, "_")
	if ext == "" {
		ext = "mp3"
	}
	return "reply." + ext
}

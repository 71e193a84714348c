// ABOUTME: WebSocket API for the relay: JSON message frames in, reply frames out
// ABOUTME: Clients may also subscribe to a session and receive every committed turn live

package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/frontend"
)

// Transport is the name used for logging and de-duplication keys.
const Transport = "ws"

const (
	// readLimit bounds a single inbound frame.
	readLimit = 1 << 20
	// writeTimeout bounds a single outbound frame.
	writeTimeout = 10 * time.Second
	// textLogMaxLen limits message text in logs.
	textLogMaxLen = 50
)

// Frame types
const (
	TypeMessage      = "message"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeReply        = "reply"
	TypeError        = "error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeTurn         = "turn"
)

// Dispatcher is the part of frontend.Dispatcher the handler uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, in frontend.Inbound) frontend.Result
}

// Subscriber delivers committed turns for a session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionKey string) (<-chan *conversation.TurnEvent, string)
	Unsubscribe(sessionKey, subID string)
}

// ClientMessage is a frame sent by the client.
type ClientMessage struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	SessionKey string `json:"session_key"`
	Text       string `json:"text,omitempty"`
}

// ServerMessage is a frame sent to the client.
type ServerMessage struct {
	Type       string                  `json:"type"`
	ID         string                  `json:"id,omitempty"`
	SessionKey string                  `json:"session_key,omitempty"`
	Replies    []frontend.ReplyView    `json:"replies,omitempty"`
	Duplicate  bool                    `json:"duplicate,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Turn       *conversation.TurnEvent `json:"turn,omitempty"`
}

// Config wires a Handler.
type Config struct {
	Dispatcher Dispatcher
	// Subscriber may be nil, which rejects subscribe frames.
	Subscriber Subscriber
	// OriginPatterns allows cross-origin browser clients from these hosts.
	OriginPatterns []string
}

// Handler upgrades requests to WebSocket connections and serves frames.
type Handler struct {
	dispatcher Dispatcher
	subscriber Subscriber
	accept     *websocket.AcceptOptions
	logger     *slog.Logger
}

// NewHandler creates a handler. Pass nil logger for default.
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: cfg.Dispatcher,
		subscriber: cfg.Subscriber,
		accept:     &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns},
		logger:     logger.With("component", "wsapi"),
	}
}

// Register mounts the handler at GET /ws behind the given verifier, which
// may be nil to disable authentication. Browsers pass the token as ?token=.
func (h *Handler) Register(mux *http.ServeMux, verifier auth.TokenVerifier) {
	mux.Handle("GET /ws", auth.Middleware(verifier)(h))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.logger.Warn("failed to accept websocket", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	logger := h.logger
	if caller := auth.CallerFromContext(r.Context()); caller != "" {
		logger = logger.With("caller", caller)
	}

	h.handleConnection(r.Context(), conn, logger)
	conn.Close(websocket.StatusNormalClosure, "")
}

// connectionState is scoped to one WebSocket connection.
type connectionState struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// writeMu serializes frames; coder/websocket allows one writer at a time.
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // sessionKey -> subID

	wg sync.WaitGroup
}

func (h *Handler) handleConnection(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	state := &connectionState{
		conn:   conn,
		logger: logger,
		subs:   make(map[string]string),
	}
	defer func() {
		cancel()
		h.unsubscribeAll(state)
		state.wg.Wait()
	}()

	logger.Debug("connection opened")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("connection closed", "error", err)
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			state.send(ctx, ServerMessage{Type: TypeError, Error: "invalid message format"})
			continue
		}

		switch msg.Type {
		case TypeMessage:
			if msg.SessionKey == "" {
				state.send(ctx, ServerMessage{Type: TypeError, ID: msg.ID, Error: "session_key is required"})
				continue
			}
			// One goroutine per inbound message so a slow provider call never
			// blocks reads on this connection.
			state.wg.Add(1)
			go func() {
				defer state.wg.Done()
				h.handleMessage(ctx, state, msg)
			}()

		case TypeSubscribe:
			h.handleSubscribe(ctx, state, msg)

		case TypeUnsubscribe:
			h.handleUnsubscribe(ctx, state, msg)

		default:
			state.send(ctx, ServerMessage{Type: TypeError, ID: msg.ID, Error: "unknown message type"})
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, state *connectionState, msg ClientMessage) {
	state.logger.Debug("message received",
		"id", msg.ID,
		"session_key", msg.SessionKey,
		"text", frontend.Truncate(msg.Text, textLogMaxLen),
	)

	res := h.dispatcher.Dispatch(ctx, frontend.Inbound{
		Transport:  Transport,
		SessionKey: frontend.APISessionPrefix + msg.SessionKey,
		DeliveryID: msg.ID,
		Text:       msg.Text,
	})

	out := ServerMessage{
		Type:       TypeReply,
		ID:         msg.ID,
		SessionKey: msg.SessionKey,
		Replies:    frontend.NewReplyViews(res.Replies),
		Duplicate:  res.Duplicate,
	}
	if res.Err != nil {
		out.Type = TypeError
		out.Error = frontend.ErrorCode(res.Err)
	}
	state.send(ctx, out)
}

// handleSubscribe takes a full session key, so an authorized client can
// watch any transport's session.
func (h *Handler) handleSubscribe(ctx context.Context, state *connectionState, msg ClientMessage) {
	if h.subscriber == nil {
		state.send(ctx, ServerMessage{Type: TypeError, ID: msg.ID, Error: "subscriptions are disabled"})
		return
	}
	if msg.SessionKey == "" {
		state.send(ctx, ServerMessage{Type: TypeError, ID: msg.ID, Error: "session_key is required"})
		return
	}

	state.mu.Lock()
	_, exists := state.subs[msg.SessionKey]
	var events <-chan *conversation.TurnEvent
	if !exists {
		var subID string
		events, subID = h.subscriber.Subscribe(ctx, msg.SessionKey)
		state.subs[msg.SessionKey] = subID
	}
	state.mu.Unlock()

	state.send(ctx, ServerMessage{Type: TypeSubscribed, ID: msg.ID, SessionKey: msg.SessionKey})
	if exists {
		return
	}

	state.wg.Add(1)
	go func() {
		defer state.wg.Done()
		for ev := range events {
			state.send(ctx, ServerMessage{Type: TypeTurn, SessionKey: ev.SessionKey, Turn: ev})
		}
	}()
}

func (h *Handler) handleUnsubscribe(ctx context.Context, state *connectionState, msg ClientMessage) {
	state.mu.Lock()
	subID, ok := state.subs[msg.SessionKey]
	delete(state.subs, msg.SessionKey)
	state.mu.Unlock()

	if ok && h.subscriber != nil {
		h.subscriber.Unsubscribe(msg.SessionKey, subID)
	}
	state.send(ctx, ServerMessage{Type: TypeUnsubscribed, ID: msg.ID, SessionKey: msg.SessionKey})
}

func (h *Handler) unsubscribeAll(state *connectionState) {
	if h.subscriber == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	for key, subID := range state.subs {
		h.subscriber.Unsubscribe(key, subID)
		delete(state.subs, key)
	}
}

func (s *connectionState) send(ctx context.Context, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal frame", "type", msg.Type, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("failed to write frame", "type", msg.Type, "error", err)
	}
}

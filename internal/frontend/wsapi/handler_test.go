// ABOUTME: Tests for the WebSocket API over a real httptest server
// ABOUTME: Covers message/reply frames, error codes, subscriptions, and auth

package wsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/frontend"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	seen   []frontend.Inbound
	result frontend.Result
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, in frontend.Inbound) frontend.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, in)
	return f.result
}

type testEnv struct {
	t      *testing.T
	server *httptest.Server
	conn   *websocket.Conn
	ctx    context.Context
}

func newTestEnv(t *testing.T, cfg Config, verifier auth.TokenVerifier, query string) *testEnv {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(cfg, nil).Register(mux, verifier)
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
	})

	return &testEnv{t: t, server: server, conn: conn, ctx: ctx}
}

func (e *testEnv) send(msg ClientMessage) {
	data, _ := json.Marshal(msg)
	if err := e.conn.Write(e.ctx, websocket.MessageText, data); err != nil {
		e.t.Fatalf("failed to send: %v", err)
	}
}

func (e *testEnv) read() ServerMessage {
	_, data, err := e.conn.Read(e.ctx)
	if err != nil {
		e.t.Fatalf("failed to read: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		e.t.Fatalf("failed to unmarshal: %v", err)
	}
	return msg
}

func TestMessage_Reply(t *testing.T) {
	disp := &fakeDispatcher{result: frontend.Result{Replies: []*conversation.Reply{
		{Text: "Hello there.", Provider: "openai"},
	}}}
	env := newTestEnv(t, Config{Dispatcher: disp}, nil, "")

	env.send(ClientMessage{Type: TypeMessage, ID: "m1", SessionKey: "42", Text: "Hi"})
	msg := env.read()

	assert.Equal(t, TypeReply, msg.Type)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "42", msg.SessionKey)
	require.Len(t, msg.Replies, 1)
	assert.Equal(t, "Hello there.", msg.Replies[0].Text)

	disp.mu.Lock()
	defer disp.mu.Unlock()
	require.Len(t, disp.seen, 1)
	assert.Equal(t, frontend.Inbound{Transport: "ws", SessionKey: "api:42", DeliveryID: "m1", Text: "Hi"}, disp.seen[0])
}

func TestMessage_ErrorFrame(t *testing.T) {
	disp := &fakeDispatcher{result: frontend.Result{
		Err:     conversation.ErrSessionContention,
		Replies: []*conversation.Reply{{Text: "I'm busy, please resend."}},
	}}
	env := newTestEnv(t, Config{Dispatcher: disp}, nil, "")

	env.send(ClientMessage{Type: TypeMessage, ID: "m2", SessionKey: "k", Text: "Hi"})
	msg := env.read()

	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "m2", msg.ID)
	assert.Equal(t, frontend.ErrorCodeBusy, msg.Error)
	require.Len(t, msg.Replies, 1)
}

func TestInvalidFrames(t *testing.T) {
	env := newTestEnv(t, Config{Dispatcher: &fakeDispatcher{}}, nil, "")

	require.NoError(t, env.conn.Write(env.ctx, websocket.MessageText, []byte("not json")))
	assert.Equal(t, "invalid message format", env.read().Error)

	env.send(ClientMessage{Type: "bogus", ID: "x"})
	msg := env.read()
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, "unknown message type", msg.Error)

	env.send(ClientMessage{Type: TypeMessage, ID: "y", Text: "Hi"})
	assert.Equal(t, "session_key is required", env.read().Error)
}

func TestSubscribe_ReceivesTurns(t *testing.T) {
	b := conversation.NewEventBroadcaster(nil)
	defer b.Close()
	env := newTestEnv(t, Config{Dispatcher: &fakeDispatcher{}, Subscriber: b}, nil, "")

	env.send(ClientMessage{Type: TypeSubscribe, ID: "s1", SessionKey: "telegram:42"})
	ack := env.read()
	assert.Equal(t, TypeSubscribed, ack.Type)
	assert.Equal(t, "telegram:42", ack.SessionKey)

	b.Publish("telegram:42", &conversation.TurnEvent{
		SessionKey: "telegram:42",
		Version:    1,
		User:       "Hi",
		Assistant:  "Hello there.",
		Provider:   "openai",
	}, "")

	msg := env.read()
	assert.Equal(t, TypeTurn, msg.Type)
	require.NotNil(t, msg.Turn)
	assert.Equal(t, int64(1), msg.Turn.Version)
	assert.Equal(t, "Hello there.", msg.Turn.Assistant)

	env.send(ClientMessage{Type: TypeUnsubscribe, SessionKey: "telegram:42"})
	assert.Equal(t, TypeUnsubscribed, env.read().Type)
}

func TestSubscribe_DisabledWithoutSubscriber(t *testing.T) {
	env := newTestEnv(t, Config{Dispatcher: &fakeDispatcher{}}, nil, "")

	env.send(ClientMessage{Type: TypeSubscribe, SessionKey: "k"})
	assert.Equal(t, "subscriptions are disabled", env.read().Error)
}

func TestAuth_RequiresToken(t *testing.T) {
	verifier, err := auth.NewJWTVerifier([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(Config{Dispatcher: &fakeDispatcher{}}, nil).Register(mux, verifier)
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	token, err := verifier.Generate("browser", time.Hour)
	require.NoError(t, err)
	env := newTestEnv(t, Config{Dispatcher: &fakeDispatcher{result: frontend.Result{
		Replies: []*conversation.Reply{{Text: "ok"}},
	}}}, verifier, "?token="+token)

	env.send(ClientMessage{Type: TypeMessage, ID: "a", SessionKey: "k", Text: "Hi"})
	assert.Equal(t, TypeReply, env.read().Type)
}

func TestErrorCodeNeverLeaksText(t *testing.T) {
	disp := &fakeDispatcher{result: frontend.Result{
		Err:     errors.New("anthropic: 401 key sk-ant-secret"),
		Replies: []*conversation.Reply{{Text: "Sorry."}},
	}}
	env := newTestEnv(t, Config{Dispatcher: disp}, nil, "")

	env.send(ClientMessage{Type: TypeMessage, ID: "z", SessionKey: "k", Text: "Hi"})
	msg := env.read()
	assert.Equal(t, frontend.ErrorCodeInternal, msg.Error)
	assert.NotContains(t, msg.Replies[0].Text, "sk-ant-secret")
}

// ABOUTME: Tests for the Gateway orchestrator
// ABOUTME: Runs the full relay against a fake OpenAI-compatible server over the HTTP API

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/frontend/httpapi"
	"github.com/2389/coven-relay/internal/provider"
)

const testKeyEnv = "COVEN_RELAY_TEST_OPENAI_KEY"

// fakeOpenAI answers every chat completion with a fixed streamed reply.
func fakeOpenAI(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":null}]}\n\n", reply)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig creates a minimal config with a free port and one openai provider.
func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := ln.Addr().String()
	ln.Close()

	retries := 0
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: httpAddr},
		Database: config.DatabaseConfig{Driver: "memory"},
		Providers: config.ProvidersConfig{
			Timeout: 5 * time.Second,
			Text: []config.TextProviderConfig{{
				Name:       "openai",
				Type:       "openai",
				APIKeyEnv:  testKeyEnv,
				BaseURL:    baseURL,
				MaxRetries: &retries,
			}},
		},
		Frontends: config.FrontendsConfig{
			HTTP:      config.HTTPConfig{Enabled: true},
			WebSocket: config.WebSocketConfig{Enabled: true},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, cfg *config.Config, opts ...Option) *Gateway {
	t.Helper()
	gw, err := New(cfg, testLogger(), opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/v1/")
	gw := newTestGateway(t, cfg)

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.engine == nil || gw.dispatcher == nil || gw.broadcaster == nil {
		t.Error("engine, dispatcher and broadcaster should be wired")
	}
	if gw.telegram != nil || gw.matrix != nil {
		t.Error("chat transports should be nil when disabled")
	}
	if gw.janitor != nil {
		t.Error("janitor should be nil without a session ttl")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/v1/")
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	// Wait for the listener to come up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestGateway_SendThroughHTTPAPI(t *testing.T) {
	srv := fakeOpenAI(t, "Hello there.")
	cfg := testConfig(t, srv.URL+"/v1/")
	gw := newTestGateway(t, cfg, WithCredentials(provider.MapCredentials{testKeyEnv: "sk-test"}))

	rec := post(t, gw.Handler(), "/api/send", `{"session_key":"42","text":"Hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/send status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var sent httpapi.SendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
		t.Fatalf("decode send response: %v", err)
	}
	if len(sent.Replies) != 1 || sent.Replies[0].Text != "Hello there." {
		t.Fatalf("unexpected replies: %+v", sent.Replies)
	}
	if sent.Replies[0].Provider != "openai" {
		t.Errorf("provider = %q, want openai", sent.Replies[0].Provider)
	}

	rec = get(t, gw.Handler(), "/api/sessions/api:42")
	var sess httpapi.SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session response: %v", err)
	}
	if sess.Version != 1 {
		t.Errorf("version = %d, want 1", sess.Version)
	}
	if len(sess.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(sess.History))
	}
	if sess.History[1].Text != "Hi" || sess.History[2].Text != "Hello there." {
		t.Errorf("unexpected history: %+v", sess.History)
	}
}

func TestGateway_MissingCredentialFallsBack(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/v1/")
	gw := newTestGateway(t, cfg, WithCredentials(provider.MapCredentials{}))

	rec := post(t, gw.Handler(), "/api/send", `{"session_key":"123","text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var sent httpapi.SendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sent.Replies) != 1 || !sent.Replies[0].Fallback {
		t.Fatalf("expected one fallback reply, got %+v", sent.Replies)
	}

	rec = get(t, gw.Handler(), "/api/sessions/api:123")
	var sess httpapi.SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.State != "idle" || sess.Version != 0 {
		t.Errorf("session should stay idle at version 0, got %s v%d", sess.State, sess.Version)
	}

	rec = get(t, gw.Handler(), "/health/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready status = %d, want 503", rec.Code)
	}
}

func TestGateway_HealthReportsProviders(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/v1/")
	gw := newTestGateway(t, cfg, WithCredentials(provider.MapCredentials{testKeyEnv: "sk-test"}))

	rec := get(t, gw.Handler(), "/health")
	var health httpapi.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(health.Providers) != 1 || !health.Providers[0].Enabled {
		t.Errorf("unexpected providers: %+v", health.Providers)
	}

	rec = get(t, gw.Handler(), "/health/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("/health/ready status = %d, want 200", rec.Code)
	}
}

func TestGateway_DisabledAPIServesOnlyHealth(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/v1/")
	cfg.Frontends.HTTP.Enabled = false
	cfg.Frontends.WebSocket.Enabled = false
	gw := newTestGateway(t, cfg)

	if rec := post(t, gw.Handler(), "/api/send", `{"session_key":"k","text":"Hi"}`); rec.Code != http.StatusNotFound {
		t.Errorf("POST /api/send status = %d, want 404", rec.Code)
	}
	if rec := get(t, gw.Handler(), "/ws"); rec.Code != http.StatusNotFound {
		t.Errorf("GET /ws status = %d, want 404", rec.Code)
	}
	if rec := get(t, gw.Handler(), "/health"); rec.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want 200", rec.Code)
	}
}

func TestGateway_AuthRequiredWhenSecretSet(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/v1/")
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	gw := newTestGateway(t, cfg)

	if rec := post(t, gw.Handler(), "/api/send", `{"session_key":"k","text":"Hi"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	token, err := gw.verifier.Generate("ops", time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/api:k", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authorized status = %d, want 200", rec.Code)
	}
}

func TestNew_RejectsWeakJWTSecret(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/v1/")
	cfg.Auth.JWTSecret = "short"

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for weak jwt secret")
	}
}

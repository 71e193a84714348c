// ABOUTME: Gateway orchestrator that wires the relay together and runs it
// ABOUTME: Owns the store, providers, engine, transports, HTTP server, and their shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/frontend"
	"github.com/2389/coven-relay/internal/frontend/httpapi"
	"github.com/2389/coven-relay/internal/frontend/matrix"
	"github.com/2389/coven-relay/internal/frontend/telegram"
	"github.com/2389/coven-relay/internal/frontend/wsapi"
	"github.com/2389/coven-relay/internal/provider"
	"github.com/2389/coven-relay/internal/store"
)

// shutdownTimeout bounds graceful shutdown once the run context is cancelled.
const shutdownTimeout = 10 * time.Second

// Gateway orchestrates the relay's components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	providers   *provider.Gateway
	engine      *conversation.Engine
	broadcaster *conversation.EventBroadcaster
	dedupe      *dedupe.Cache
	dispatcher  *frontend.Dispatcher
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	telegram    *telegram.Bot
	matrix      *matrix.Bridge
	janitor     *janitor
	logger      *slog.Logger

	// frontends tracks the chat transport goroutines started by Run.
	frontends sync.WaitGroup
}

// Option customizes New.
type Option func(*options)

type options struct {
	credentials provider.Credentials
	store       store.Store
}

// WithCredentials resolves provider API keys from creds instead of the environment.
func WithCredentials(creds provider.Credentials) Option {
	return func(o *options) { o.credentials = creds }
}

// WithStore uses s instead of opening the configured store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// New builds a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = OpenStore(cfg); err != nil {
			return nil, err
		}
	}

	providers, err := BuildProviders(cfg, o.credentials, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("auth.jwt_secret: %w", err)
		}
	}

	broadcaster := conversation.NewEventBroadcaster(logger)
	engine := conversation.New(s, providers, EngineConfig(cfg), logger)
	engine.SetBroadcaster(broadcaster)

	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	dispatcher := frontend.NewDispatcher(engine, frontend.DispatcherConfig{
		FanOut:          cfg.Engine.FanOut,
		PlainTextPrompt: cfg.Persona.PlainTextPrompt,
		Dedupe:          dedupeCache,
	}, logger)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		providers:   providers,
		engine:      engine,
		broadcaster: broadcaster,
		dedupe:      dedupeCache,
		dispatcher:  dispatcher,
		verifier:    verifier,
		logger:      logger.With("component", "gateway"),
	}

	if err := gw.setupFrontends(logger); err != nil {
		gw.closeComponents()
		_ = s.Close()
		return nil, err
	}

	if cfg.Database.SessionTTL > 0 {
		gw.janitor = newJanitor(s, cfg.Database.SessionTTL, cfg.Database.PruneInterval, logger)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupFrontends creates the enabled chat transports.
func (g *Gateway) setupFrontends(logger *slog.Logger) error {
	fc := g.config.Frontends

	if fc.Telegram.Enabled {
		client := telegram.NewClient(fc.Telegram.APIURL, fc.Telegram.BotToken, &http.Client{
			// Long polls hold the request open for PollTimeout.
			Timeout: fc.Telegram.PollTimeout + 15*time.Second,
		})
		g.telegram = telegram.NewBot(client, g.dispatcher, telegram.Config{
			AllowedChats: fc.Telegram.AllowedChats,
			PollTimeout:  fc.Telegram.PollTimeout,
		}, logger)
	}

	if fc.Matrix.Enabled {
		bridge, err := matrix.NewBridge(matrix.Config{
			Homeserver:      fc.Matrix.Homeserver,
			Username:        fc.Matrix.Username,
			Password:        fc.Matrix.Password,
			RecoveryKey:     fc.Matrix.RecoveryKey,
			AllowedRooms:    fc.Matrix.AllowedRooms,
			CommandPrefix:   fc.Matrix.CommandPrefix,
			TypingIndicator: fc.Matrix.TypingIndicator,
			E2EE:            fc.Matrix.E2EE,
			CryptoDBPath:    fc.Matrix.CryptoDBPath,
		}, g.dispatcher, logger)
		if err != nil {
			return err
		}
		g.matrix = bridge
	}
	return nil
}

// routes builds the HTTP mux. /health and /health/ready are always served.
func (g *Gateway) routes(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// A nil *JWTVerifier must not become a non-nil interface.
	var verifier auth.TokenVerifier
	if g.verifier != nil {
		verifier = g.verifier
	}

	api := httpapi.New(httpapi.Config{
		Dispatcher: g.dispatcher,
		Sessions:   g.engine,
		Status:     g.providers,
		Verifier:   verifier,
	}, logger)
	if g.config.Frontends.HTTP.Enabled {
		api.Register(mux)
	} else {
		api.RegisterHealth(mux)
	}
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Frontends.WebSocket.Enabled {
		wsapi.NewHandler(wsapi.Config{
			Dispatcher:     g.dispatcher,
			Subscriber:     g.broadcaster,
			OriginPatterns: g.config.Frontends.WebSocket.AllowedOrigins,
		}, logger).Register(mux, verifier)
	}

	return mux
}

// handleReady returns 200 when at least one text provider has a credential.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	enabled := 0
	for _, c := range g.providers.Status() {
		if c.Kind == "text" && c.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no text provider configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d text providers)", enabled)
}

// Handler returns the HTTP handler, mainly for tests.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// Engine returns the conversation engine.
func (g *Gateway) Engine() *conversation.Engine { return g.engine }

// Providers returns the provider gateway.
func (g *Gateway) Providers() *provider.Gateway { return g.providers }

// setupTCPListener creates the standard HTTP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting relay", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the HTTP listener on the tailnet or plain TCP.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServers starts the HTTP server and chat transports, returning their error channel.
func (g *Gateway) startServers(ctx context.Context, httpLn net.Listener) chan error {
	errCh := make(chan error, 4)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if g.telegram != nil {
		g.frontends.Add(1)
		go func() {
			defer g.frontends.Done()
			if err := g.telegram.Run(ctx); err != nil {
				errCh <- fmt.Errorf("telegram: %w", err)
			}
		}()
	}

	if g.matrix != nil {
		g.frontends.Add(1)
		go func() {
			defer g.frontends.Done()
			if err := g.matrix.Run(ctx); err != nil {
				errCh <- fmt.Errorf("matrix: %w", err)
			}
		}()
	}

	if g.janitor != nil {
		go g.janitor.run(ctx)
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a component error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the HTTP server and enabled transports and blocks until ctx is
// cancelled or a component fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := g.startServers(runCtx, httpLn)
	serverErr := g.waitForShutdownSignal(runCtx, errCh)

	cancel()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already cancelled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet with tsnet and listens on :80, or
// :443 with tailnet certificates when tailscale.https is set.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.HTTPS {
		return g.createTailscaleTLSListener()
	}
	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// waitFrontends waits for chat transports to drain in-flight messages.
func (g *Gateway) waitFrontends(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.frontends.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("transports did not stop before shutdown deadline")
	}
}

// closeComponents releases in-process components.
func (g *Gateway) closeComponents() {
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
}

// Shutdown stops the HTTP server, waits for transports, and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down relay")

	var errs []error
	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	}

	g.waitFrontends(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.closeComponents()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// Package gateway wires the relay together and runs it.
//
// # Overview
//
// New builds every component from a loaded config.Config:
//
//   - the session store (memory or SQLite)
//   - the provider gateway (text backends in priority order, optional speech)
//   - the conversation engine and its turn broadcaster
//   - the de-duplication cache and the shared transport dispatcher
//   - the enabled transports (Telegram, Matrix, HTTP API, WebSocket)
//
// # HTTP
//
// One HTTP server carries every HTTP surface. /health and /health/ready are
// always served. /api/* and /ws are mounted when their frontends are enabled
// and require a bearer token when auth.jwt_secret is set. With tailscale
// enabled the server listens on the tailnet through tsnet instead of
// server.http_addr.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	err = gw.Run(ctx)
//
// Run returns after cancellation once in-flight messages have been answered
// or the shutdown deadline passes. A janitor prunes idle sessions when
// database.session_ttl is set.
package gateway

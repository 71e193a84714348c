// Package auth authenticates callers of the relay's HTTP and WebSocket APIs.
//
// This is transport authentication only. End users reaching the relay over
// Telegram or Matrix are not authenticated here.
//
// When auth.jwt_secret is configured, every API request must carry an HS256
// JWT issued by this relay:
//
//	Authorization: Bearer <token>
//
// WebSocket clients that cannot set headers may pass ?token=<token> instead.
// Tokens are minted with the CLI:
//
//	coven-relay token --subject my-service --ttl 720h
//
// The "sub" claim names the caller and is available to handlers through
// CallerFromContext.
package auth

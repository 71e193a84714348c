// Package httpapi exposes the relay over a small JSON HTTP API.
//
// POST /api/send relays one message and returns every reply, with audio
// base64-encoded. API sessions live under the "api:" key prefix. The
// GET /api/sessions/{key} view takes a full session key so operators can
// inspect chat transport sessions as well.
package httpapi

// Package wsapi serves the relay over WebSocket using coder/websocket.
//
// A client sends {"type":"message","id":...,"session_key":...,"text":...}
// and gets back a "reply" frame with the same id, or an "error" frame with a
// stable error code. Like the HTTP API, message sessions live under the
// "api:" prefix. A "subscribe" frame streams "turn" frames for a full session
// key as turns commit, whichever transport produced them.
package wsapi

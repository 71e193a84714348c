// Package conversation implements the per-session turn protocol.
//
// # Overview
//
// The Engine sits between the transport adapters (Telegram, Matrix, HTTP,
// WebSocket) and the provider gateway. For every inbound message it decides
// what context to send to the language model and commits the resulting
// exchange to the session store.
//
// # Session States
//
// A session is either Idle (never answered) or Active with a history that
// starts with one system turn followed by alternating user and assistant
// turns:
//
//	Idle   --first successful turn--> Active
//	Active --successful turn-------> Active
//
// There is no way back to Idle except Reset, which deletes the session.
//
// # Handling a Message
//
//  1. Load the session and note its version
//  2. Build the context: persona + user text when Idle, history + user text when Active
//  3. Ask the provider gateway for a reply
//  4. Compare-and-swap the extended history at the noted version
//  5. On conflict, start over from step 1 (bounded by Config.MaxAttempts)
//  6. Optionally synthesize speech for the reply
//
// No lock is held while a provider call is in flight. Two messages for the
// same session race only at step 4, and the loser recomputes its reply from
// the winner's history, so neither exchange is lost.
//
// # Failure Modes
//
//   - provider.ErrUnavailable: the configured disabled reply is returned and nothing is committed
//   - provider.ErrProvider: returned to the caller, session unchanged
//   - ErrSessionContention: every attempt lost a race; the caller may resend
//   - speech failure: logged, the reply goes out as text
//
// UserFacingError turns any of these into the apology text a transport sends.
//
// # Fan-out
//
// HandleMessageFanOut asks every enabled provider at once and returns each
// successful answer, but commits only the highest-priority one so history
// keeps its alternation.
//
// # Event Broadcasting
//
// When a broadcaster is attached, each committed turn is published as a
// TurnEvent to subscribers of the session key. The WebSocket transport uses
// this to let clients watch a session live.
package conversation

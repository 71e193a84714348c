// Package dedupe drops redelivered inbound messages.
//
// Telegram long polling and the Matrix sync loop can hand the relay the same
// update twice after a reconnect. Each transport records the delivery id with
// CheckAndMark before dispatching, and skips the message when it was already
// seen within the TTL.
package dedupe

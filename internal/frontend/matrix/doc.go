// Package matrix is the relay's Matrix transport.
//
// The bridge logs in with a password, syncs with mautrix, and treats every
// room as one session keyed "matrix:<room_id>". The event id is the
// de-duplication id. Encrypted rooms are supported through the mautrix
// cryptohelper when E2EE is enabled.
package matrix

// Package telegram is the relay's Telegram transport.
//
// It long-polls the Bot API with getUpdates, maps every chat to the session
// key "telegram:<chat_id>", and hands each message to the shared dispatcher.
// The update id doubles as the de-duplication id, so a redelivered update
// after a reconnect is dropped.
package telegram

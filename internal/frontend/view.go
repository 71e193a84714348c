// ABOUTME: JSON views shared by the HTTP and WebSocket APIs
// ABOUTME: Encodes replies with base64 audio and classifies engine errors into stable codes

package frontend

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/provider"
)

// APISessionPrefix namespaces sessions created through the HTTP and WebSocket
// APIs, so API callers cannot write into chat transport sessions.
const APISessionPrefix = "api:"

// Error codes reported to API callers
const (
	ErrorCodeBusy      = "session_busy"
	ErrorCodeProvider  = "provider_error"
	ErrorCodeCancelled = "cancelled"
	ErrorCodeInternal  = "internal"
)

// ReplyView is the wire form of a conversation.Reply.
type ReplyView struct {
	Text          string `json:"text"`
	AudioBase64   string `json:"audio_base64,omitempty"`
	AudioFormat   string `json:"audio_format,omitempty"`
	AudioMimeType string `json:"audio_mime_type,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Fallback      bool   `json:"fallback,omitempty"`
}

// NewReplyViews converts replies for JSON encoding.
func NewReplyViews(replies []*conversation.Reply) []ReplyView {
	views := make([]ReplyView, 0, len(replies))
	for _, r := range replies {
		v := ReplyView{
			Text:     r.Text,
			Provider: r.Provider,
			Fallback: r.Fallback,
		}
		if r.HasAudio() {
			v.AudioBase64 = base64.StdEncoding.EncodeToString(r.Audio)
			v.AudioFormat = r.AudioFormat
			v.AudioMimeType = r.AudioMimeType
		}
		views = append(views, v)
	}
	return views
}

// ErrorCode classifies an engine error without exposing its text.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, conversation.ErrSessionContention):
		return ErrorCodeBusy
	case errors.Is(err, provider.ErrProvider):
		return ErrorCodeProvider
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeCancelled
	default:
		return ErrorCodeInternal
	}
}

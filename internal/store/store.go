// ABOUTME: Session store interface and conversation state types for coven-relay
// ABOUTME: Defines Session, Turn, the Idle/Active state union and the CAS contract

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned by CompareAndSwap when the stored version no longer
// matches the expected version.
var ErrConflict = errors.New("session version conflict")

// ErrInvalidHistory is returned by ValidateHistory when a history breaks the
// system-first or alternating-role rules.
var ErrInvalidHistory = errors.New("invalid session history")

// Role identifies who authored a turn.
type Role string

// Role values
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a conversation's ordered history.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// SystemTurn, UserTurn and AssistantTurn build turns for the given role.
func SystemTurn(text string) Turn    { return Turn{Role: RoleSystem, Text: text} }
func UserTurn(text string) Turn      { return Turn{Role: RoleUser, Text: text} }
func AssistantTurn(text string) Turn { return Turn{Role: RoleAssistant, Text: text} }

// State names as persisted by the SQLite backend
const (
	StateNameIdle   = "idle"
	StateNameActive = "active"
)

// State is the per-session state machine value. The only implementations are
// Idle and Active.
type State interface {
	// Name returns the persisted state name.
	Name() string
	sealed()
}

// Idle is the state of a session that has never completed a turn.
type Idle struct{}

// Active is the state of a session with committed history.
type Active struct {
	History []Turn
}

func (Idle) Name() string   { return StateNameIdle }
func (Active) Name() string { return StateNameActive }
func (Idle) sealed()        {}
func (Active) sealed()      {}

// Session is the stored conversational context for one conversation key.
type Session struct {
	Key       string
	State     State
	Version   int64
	UpdatedAt time.Time
}

// NewSession returns a fresh Idle session at version 0.
func NewSession(key string) *Session {
	return &Session{Key: key, State: Idle{}}
}

// IsActive reports whether the session holds committed history.
func (s *Session) IsActive() bool {
	_, ok := s.State.(Active)
	return ok
}

// History returns the committed turns, or nil for an Idle session.
func (s *Session) History() []Turn {
	if a, ok := s.State.(Active); ok {
		return a.History
	}
	return nil
}

// Clone returns a deep copy so callers never share history slices.
func (s *Session) Clone() *Session {
	c := *s
	switch st := s.State.(type) {
	case Active:
		h := make([]Turn, len(st.History))
		copy(h, st.History)
		c.State = Active{History: h}
	case nil:
		c.State = Idle{}
	}
	return &c
}

// ValidateHistory checks that history starts with exactly one system turn and
// that user and assistant turns alternate after it, starting with user.
func ValidateHistory(history []Turn) error {
	if len(history) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidHistory)
	}
	if history[0].Role != RoleSystem {
		return fmt.Errorf("%w: first turn is %q, want system", ErrInvalidHistory, history[0].Role)
	}
	want := RoleUser
	for i, t := range history[1:] {
		if t.Role != want {
			return fmt.Errorf("%w: turn %d is %q, want %q", ErrInvalidHistory, i+1, t.Role, want)
		}
		if want == RoleUser {
			want = RoleAssistant
		} else {
			want = RoleUser
		}
	}
	return nil
}

// Store defines keyed session persistence with optimistic concurrency.
type Store interface {
	// Get returns the session for key. Unknown keys yield NewSession(key).
	Get(ctx context.Context, key string) (*Session, error)

	// CompareAndSwap stores next under key with version expectedVersion+1 if
	// the stored version equals expectedVersion, and returns ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, next *Session) error

	// Delete removes the session for key. Deleting an unknown key is not an error.
	Delete(ctx context.Context, key string) error

	// Prune removes sessions last updated before olderThan and returns how many.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	// List returns up to limit sessions, most recently updated first.
	List(ctx context.Context, limit int) ([]*Session, error)

	// Close releases any resources held by the store
	Close() error
}

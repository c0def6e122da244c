package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"intent-bot-backend/internal/types"
)

// ErrInvalidKey is returned for an empty conversation key.
var ErrInvalidKey = errors.New("conversation id is required")

// Session is the per-conversation state persisted between turns. Message
// holds the activity of the turn in progress and is never persisted.
type Session struct {
	Message types.Activity `json:"-"`

	ConversationID   string         `json:"conversationId"`
	ChannelID        string         `json:"channelId,omitempty"`
	UserID           string         `json:"userId,omitempty"`
	UserData         map[string]any `json:"userData,omitempty"`
	ConversationData map[string]any `json:"conversationData,omitempty"`
	DialogStack      []string       `json:"dialogStack,omitempty"`
	TurnCount        int            `json:"turnCount"`
	LastIntent       string         `json:"lastIntent,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

func NewSession(conversationID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ConversationID:   conversationID,
		UserData:         map[string]any{},
		ConversationData: map[string]any{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// BeginDialog pushes name onto the dialog stack.
func (s *Session) BeginDialog(name string) {
	s.DialogStack = append(s.DialogStack, name)
}

// EndDialog pops the active dialog, if any.
func (s *Session) EndDialog() {
	if n := len(s.DialogStack); n > 0 {
		s.DialogStack = s.DialogStack[:n-1]
	}
}

// ActiveDialog returns the dialog on top of the stack, or "".
func (s *Session) ActiveDialog() string {
	if n := len(s.DialogStack); n > 0 {
		return s.DialogStack[n-1]
	}
	return ""
}

// Store loads and saves sessions keyed by conversation id. Load returns a
// fresh session when nothing has been stored yet.
type Store interface {
	Load(ctx context.Context, conversationID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Close() error
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

func encode(s *Session) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return b, nil
}

func decode(conversationID string, b []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", conversationID, err)
	}
	if s.ConversationID == "" {
		s.ConversationID = conversationID
	}
	if s.UserData == nil {
		s.UserData = map[string]any{}
	}
	if s.ConversationData == nil {
		s.ConversationData = map[string]any{}
	}
	return &s, nil
}

func touch(s *Session) {
	s.UpdatedAt = time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
}

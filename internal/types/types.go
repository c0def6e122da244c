package types

import "time"

type ChatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type ChatResponse struct {
	SessionID string          `json:"sessionId"`
	Replies   []string        `json:"replies"`
	Intent    *IntentResponse `json:"intent,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// IntentResponse tells the caller which intent and dialog handled the turn.
type IntentResponse struct {
	Name   string  `json:"name"`
	Score  float64 `json:"score"`
	Dialog string  `json:"dialog"`
}

// Activity types the webhook understands.
const (
	ActivityMessage            = "message"
	ActivityConversationUpdate = "conversationUpdate"
	ActivityTyping             = "typing"
)

// Activity is the subset of a Bot Framework v3 activity this service reads and writes.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	Text         string              `json:"text,omitempty"`
	Locale       string              `json:"locale,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
}

type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Reply builds an outgoing message activity addressed back to the sender of a.
func (a Activity) Reply(text string) Activity {
	return Activity{
		Type:         ActivityMessage,
		ServiceURL:   a.ServiceURL,
		ChannelID:    a.ChannelID,
		From:         a.Recipient,
		Recipient:    a.From,
		Conversation: a.Conversation,
		Text:         text,
		Locale:       a.Locale,
		ReplyToID:    a.ID,
	}
}

type MessagesResponse struct {
	Activities []Activity `json:"activities"`
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"intent-bot-backend/internal/connector"
	"intent-bot-backend/internal/dialog"
	"intent-bot-backend/internal/types"
)

const maxActivityBytes = 1 << 20

// directChannel names the channel of /api/chat turns.
const directChannel = "direct"

// directConversationID keys direct-chat sessions apart from webhook
// conversations, so a caller-chosen session id can never address a
// channel conversation.
func directConversationID(sessionID string) string {
	return directChannel + ":" + sessionID
}

// POST /api/messages
// Bot Framework webhook. Replies are posted back to the channel when the
// activity names a serviceUrl and the bot has credentials; otherwise they
// are returned inline as {"activities": [...]}.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Verify(r.Context(), r.Header.Get("Authorization")); err != nil {
		s.log.Warn("rejected webhook call", zap.Error(err))
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var act types.Activity
	if err := json.NewDecoder(io.LimitReader(r.Body, maxActivityBytes)).Decode(&act); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid activity JSON")
		return
	}
	if act.Type != types.ActivityMessage {
		s.log.Debug("ignoring activity", zap.String("type", act.Type))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if strings.TrimSpace(act.Conversation.ID) == "" {
		s.writeError(w, http.StatusBadRequest, "conversation.id is required")
		return
	}
	if strings.HasPrefix(act.Conversation.ID, directChannel+":") {
		s.writeError(w, http.StatusBadRequest, "conversation.id is reserved")
		return
	}

	if act.ServiceURL != "" && s.connector.Authorized() {
		if _, err := s.dispatcher.HandleTurn(r.Context(), act, s.connector.Sender(act)); err != nil {
			s.writeTurnError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	buf := connector.NewBuffer(act)
	if _, err := s.dispatcher.HandleTurn(r.Context(), act, buf); err != nil {
		s.writeTurnError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.MessagesResponse{Activities: buf.Activities})
}

// POST /api/chat
// Direct JSON chat: { sessionId?, message } -> { sessionId, replies, intent }.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxActivityBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	sid := s.getOrCreateSessionID(w, r, req.SessionID)

	now := time.Now().UTC()
	act := types.Activity{
		Type:         types.ActivityMessage,
		ID:           uuid.NewString(),
		Timestamp:    &now,
		ChannelID:    directChannel,
		From:         types.ChannelAccount{ID: sid},
		Recipient:    types.ChannelAccount{ID: "bot"},
		Conversation: types.ConversationAccount{ID: directConversationID(sid)},
		Text:         req.Message,
	}
	buf := connector.NewBuffer(act)
	tr, err := s.dispatcher.HandleTurn(r.Context(), act, buf)
	if err != nil {
		s.writeTurnError(w, err)
		return
	}

	w.Header().Set("X-Session-Id", sid)
	s.writeJSON(w, http.StatusOK, types.ChatResponse{
		SessionID: sid,
		Replies:   buf.Texts(),
		Intent: &types.IntentResponse{
			Name:   tr.Intent.Name,
			Score:  tr.Intent.Score,
			Dialog: tr.Dialog,
		},
	})
}

func (s *Server) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dialog.ErrBadActivity):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dialog.ErrDelivery):
		s.log.Error("reply delivery failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "reply delivery failed")
	case errors.Is(err, dialog.ErrStorage):
		s.log.Error("session storage failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "session storage failed")
	default:
		s.log.Error("turn failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Package chat is the real-time transport for triage conversations.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/meditriage/triage-platform/internal/session"
	"github.com/meditriage/triage-platform/internal/signal"
	"github.com/meditriage/triage-platform/internal/transcript"
	"github.com/meditriage/triage-platform/pkg/logging"
)

// TranscriptReader serves conversation history.
type TranscriptReader interface {
	Read(ctx context.Context, sessionID string) ([]transcript.Turn, error)
}

// InboundMessage is what the client sends.
type InboundMessage struct {
	Type    string `json:"type"` // "text", "ping"
	Content string `json:"content"`
}

// OutboundMessage is what we send to the client.
type OutboundMessage struct {
	Type      string           `json:"type"` // "ai", "status", "session", "history", "pong", "error"
	Content   string           `json:"content,omitempty"`
	Status    string           `json:"status,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Error     string           `json:"error,omitempty"`
	Messages  []HistoryMessage `json:"messages,omitempty"`
}

// HistoryMessage is a simplified turn for history responses.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Handler manages chat connections.
type Handler struct {
	sessions   *session.Registry
	transcript TranscriptReader
	logger     *logging.Logger
}

func NewHandler(sessions *session.Registry, transcriptReader TranscriptReader, logger *logging.Logger) *Handler {
	if sessions == nil {
		panic("chat: session registry required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{sessions: sessions, transcript: transcriptReader, logger: logger}
}

// identity extracts the caller's user and session ids, generating a session
// id when the client has none yet.
func identity(r *http.Request) (userID, sessionID string) {
	userID = r.Header.Get("user-id")
	if userID == "" {
		userID = "anonymous"
	}
	sessionID = r.Header.Get("session-id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	return userID, sessionID
}

// HandleWebSocket upgrades to WebSocket and drives the conversation loop.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serveWS(conn, r)
	}).ServeHTTP(w, r)
}

func (h *Handler) serveWS(conn *websocket.Conn, r *http.Request) {
	userID, sessionID := identity(r)

	_ = websocket.JSON.Send(conn, OutboundMessage{Type: "session", SessionID: sessionID})

	h.logger.Info("chat: connection opened", "user_id", userID, "session_id", sessionID)

	for {
		var msg InboundMessage
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Info("chat: connection closed",
				"user_id", userID, "session_id", sessionID, "error", err)
			return
		}

		if msg.Type == "ping" {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "pong"})
			continue
		}
		if msg.Type != "text" || strings.TrimSpace(msg.Content) == "" {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "error", Error: "invalid_message"})
			continue
		}

		res, err := h.processTurn(r.Context(), sessionID, userID, msg.Content)
		if err != nil {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "error", Error: errorCode(err)})
			if errors.Is(err, session.ErrSessionClosed) {
				return
			}
			continue
		}

		_ = websocket.JSON.Send(conn, OutboundMessage{Type: "ai", Content: res.DisplayText})

		if signal.Contains(res.Signals, signal.Emergency) {
			_ = websocket.JSON.Send(conn, OutboundMessage{Type: "status", Status: "emergency"})
		}
		if res.State == session.StateClosed {
			h.logger.Info("chat: conversation closed",
				"user_id", userID, "session_id", sessionID)
			return
		}
	}
}

func (h *Handler) processTurn(ctx context.Context, sessionID, userID, text string) (*session.TurnResult, error) {
	sess, err := h.sessions.GetOrCreate(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return sess.ProcessTurn(ctx, text)
}

// HandleMessage is the HTTP fallback for clients without WebSocket support.
// Unlike the socket loop it does not queue behind an in-flight turn.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	userID, sessionID := identity(r)

	var msg InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	sess, err := h.sessions.GetOrCreate(r.Context(), sessionID, userID)
	if err != nil {
		h.logger.Error("chat: session lookup failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errorCode(err))
		return
	}

	res, err := sess.TryProcessTurn(r.Context(), msg.Content)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionBusy):
			writeError(w, http.StatusConflict, "session_busy")
		case errors.Is(err, session.ErrSessionClosed):
			writeError(w, http.StatusConflict, "session_closed")
		case errors.Is(err, transcript.ErrUnavailable):
			writeError(w, http.StatusServiceUnavailable, "unavailable")
		default:
			h.logger.Error("chat: turn failed", "session_id", sessionID, "error", err)
			writeError(w, http.StatusBadGateway, "turn_failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"type":       "ai",
		"content":    res.DisplayText,
		"session_id": sessionID,
		"escalated":  res.Escalated,
		"closed":     res.State == session.StateClosed,
	})
}

// HandleHistory serves the stored conversation for a session.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	_, sessionID := identity(r)
	if h.transcript == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	turns, err := h.transcript.Read(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("chat: history read failed", "session_id", sessionID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}

	history := make([]HistoryMessage, 0, len(turns))
	for _, turn := range turns {
		history = append(history, HistoryMessage{
			Role:      string(turn.Role),
			Text:      turn.DisplayText,
			Timestamp: turn.Timestamp.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, OutboundMessage{
		Type:      "history",
		SessionID: sessionID,
		Messages:  history,
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, transcript.ErrUnavailable):
		return "unavailable"
	default:
		return "turn_failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

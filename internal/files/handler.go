package files

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/meditriage/triage-platform/internal/session"
	"github.com/meditriage/triage-platform/pkg/logging"
)

// 10 MB decoded.
const maxUploadBytes = 10 << 20

// Handler serves the document upload endpoint.
type Handler struct {
	store    *Store
	sessions *session.Registry
	logger   *logging.Logger
}

func NewHandler(store *Store, sessions *session.Registry, logger *logging.Logger) *Handler {
	if store == nil {
		panic("files: store required")
	}
	if sessions == nil {
		panic("files: session registry required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, sessions: sessions, logger: logger}
}

type uploadRequest struct {
	SessionID     string `json:"session_id"`
	UserID        string `json:"user_id"`
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
}

type uploadResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Upload handles POST /upload: decode, store, note on the transcript.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.UserID == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "session_id, user_id and filename are required")
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 content")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty document")
		return
	}
	if len(data) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	url, err := h.store.Upload(r.Context(), req.SessionID, req.UserID, req.Filename, data)
	if err != nil {
		h.logger.Error("document upload failed",
			"session_id", req.SessionID, "filename", req.Filename, "error", err)
		writeError(w, http.StatusBadGateway, "document storage failed")
		return
	}

	if err := h.sessions.RecordUpload(r.Context(), req.SessionID, req.UserID, req.Filename, url); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			writeError(w, http.StatusConflict, "conversation already closed")
			return
		}
		h.logger.Error("recording upload on transcript failed",
			"session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record upload")
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{URL: url, Filename: req.Filename})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package files

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meditriage/triage-platform/internal/llm"
	"github.com/meditriage/triage-platform/internal/session"
	"github.com/meditriage/triage-platform/internal/signal"
	"github.com/meditriage/triage-platform/internal/transcript"
	"github.com/meditriage/triage-platform/pkg/logging"
)

type memTranscripts struct {
	mu    sync.Mutex
	turns map[string][]transcript.Turn
}

func (m *memTranscripts) Append(_ context.Context, sessionID string, turn transcript.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if turn.Seq != int64(len(m.turns[sessionID]))+1 {
		return &transcript.SequenceConflictError{Expected: int64(len(m.turns[sessionID])) + 1, Got: turn.Seq}
	}
	m.turns[sessionID] = append(m.turns[sessionID], turn)
	return nil
}

func (m *memTranscripts) Read(_ context.Context, sessionID string) ([]transcript.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transcript.Turn(nil), m.turns[sessionID]...), nil
}

type echoGateway struct{}

func (echoGateway) Converse(_ context.Context, history []llm.ChatMessage) (string, error) {
	return "ok", nil
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(string, string, []transcript.Turn, bool) {}

func newUploadHandler(t *testing.T) (*Handler, *memTranscripts, *fakeS3) {
	t.Helper()
	transcripts := &memTranscripts{turns: make(map[string][]transcript.Turn)}
	registry := session.NewRegistry(transcripts, echoGateway{}, noopDispatcher{}, logging.New("error"), nil)
	s3c := &fakeS3{}
	store := NewStore(s3c, "triage-docs", logging.New("error"))
	return NewHandler(store, registry, logging.New("error")), transcripts, s3c
}

func postUpload(t *testing.T, h *Handler, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	h.Upload(rec, req)
	return rec
}

func TestUploadEndpoint(t *testing.T) {
	h, transcripts, s3c := newUploadHandler(t)

	rec := postUpload(t, h, uploadRequest{
		SessionID:     "sess-1",
		UserID:        "user-1",
		Filename:      "labs.pdf",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake")),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.URL, "s3://triage-docs/")
	assert.Len(t, s3c.puts, 1)

	turns := transcripts.turns["sess-1"]
	require.Len(t, turns, 1, "the upload must appear on the transcript")
	assert.Contains(t, turns[0].Text, "labs.pdf")
}

func TestUploadEndpointRejectsBadBase64(t *testing.T) {
	h, _, s3c := newUploadHandler(t)

	rec := postUpload(t, h, uploadRequest{
		SessionID:     "sess-1",
		UserID:        "user-1",
		Filename:      "labs.pdf",
		ContentBase64: "not base64!!!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, s3c.puts)
}

func TestUploadEndpointRequiresIdentity(t *testing.T) {
	h, _, _ := newUploadHandler(t)

	rec := postUpload(t, h, uploadRequest{Filename: "labs.pdf"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadEndpointTooLarge(t *testing.T) {
	h, _, s3c := newUploadHandler(t)

	big := bytes.Repeat([]byte("a"), maxUploadBytes+1)
	rec := postUpload(t, h, uploadRequest{
		SessionID:     "sess-1",
		UserID:        "user-1",
		Filename:      "huge.bin",
		ContentBase64: base64.StdEncoding.EncodeToString(big),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, s3c.puts)
}

func TestUploadEndpointClosedSession(t *testing.T) {
	h, transcripts, _ := newUploadHandler(t)

	// Seed a transcript that already carries the end-of-conversation signal.
	require.NoError(t, transcripts.Append(context.Background(), "sess-done", transcript.Turn{
		Seq: 1, Role: transcript.RoleAssistant,
		Text:        "Bye.<<END_OF_CONVERSATION>>",
		DisplayText: "Bye.",
		Signals:     []signal.Signal{signal.EndOfConversation},
	}))

	rec := postUpload(t, h, uploadRequest{
		SessionID:     "sess-done",
		UserID:        "user-1",
		Filename:      "late.pdf",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("x")),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

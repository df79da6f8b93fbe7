package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meditriage/triage-platform/internal/llm"
	"github.com/meditriage/triage-platform/internal/signal"
	"github.com/meditriage/triage-platform/internal/transcript"
	"github.com/meditriage/triage-platform/pkg/logging"
)

// memStore is an in-memory TranscriptStore enforcing the same gap-free
// sequencing contract as the Redis store.
type memStore struct {
	mu    sync.Mutex
	turns map[string][]transcript.Turn
	fail  error
}

func newMemStore() *memStore {
	return &memStore{turns: make(map[string][]transcript.Turn)}
}

func (m *memStore) Append(_ context.Context, sessionID string, turn transcript.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	stored := m.turns[sessionID]
	if turn.Seq <= int64(len(stored)) {
		prev := stored[turn.Seq-1]
		if prev.Role == turn.Role && prev.Text == turn.Text {
			return nil
		}
		return &transcript.SequenceConflictError{Expected: int64(len(stored)) + 1, Got: turn.Seq}
	}
	if turn.Seq != int64(len(stored))+1 {
		return &transcript.SequenceConflictError{Expected: int64(len(stored)) + 1, Got: turn.Seq}
	}
	m.turns[sessionID] = append(stored, turn)
	return nil
}

func (m *memStore) Read(_ context.Context, sessionID string) ([]transcript.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transcript.Turn, len(m.turns[sessionID]))
	copy(out, m.turns[sessionID])
	return out, nil
}

// scriptedGateway replies with canned responses in order, then echoes.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []string
	calls     int
	delay     time.Duration
}

func (g *scriptedGateway) Converse(_ context.Context, history []llm.ChatMessage) (string, error) {
	g.mu.Lock()
	idx := g.calls
	g.calls++
	g.mu.Unlock()
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if idx < len(g.responses) {
		return g.responses[idx], nil
	}
	return fmt.Sprintf("echo: %s", history[len(history)-1].Content), nil
}

// failingGateway always errors.
type failingGateway struct{}

func (failingGateway) Converse(context.Context, []llm.ChatMessage) (string, error) {
	return "", errors.New("backend down")
}

// recordingDispatcher captures report handoffs.
type recordingDispatcher struct {
	mu        sync.Mutex
	calls     int
	sessionID string
	userID    string
	turns     []transcript.Turn
	escalated bool
}

func (d *recordingDispatcher) Dispatch(sessionID, userID string, turns []transcript.Turn, escalated bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.sessionID = sessionID
	d.userID = userID
	d.turns = turns
	d.escalated = escalated
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func newTestSession(t *testing.T, gateway Converser, dispatcher ReportDispatcher) (*Session, *memStore) {
	t.Helper()
	store := newMemStore()
	s := newSession("sess-1", "user-1", nil, store, gateway, dispatcher, logging.New("error"), nil)
	return s, store
}

func TestNormalTurnStaysActive(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"Where exactly does it hurt?"}}
	s, store := newTestSession(t, gw, &recordingDispatcher{})

	res, err := s.ProcessTurn(context.Background(), "I have chest pain")
	require.NoError(t, err)
	assert.Equal(t, StateActive, res.State)
	assert.False(t, res.Escalated)
	assert.Equal(t, "Where exactly does it hurt?", res.DisplayText)
	assert.Empty(t, res.Signals)

	turns, _ := store.Read(context.Background(), "sess-1")
	require.Len(t, turns, 2)
	assert.Equal(t, transcript.RoleUser, turns[0].Role)
	assert.Equal(t, "I have chest pain", turns[0].DisplayText)
	assert.Equal(t, transcript.RoleAssistant, turns[1].Role)
}

func TestEscalationIsSticky(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		"Please call 911 immediately.<<EMERGENCY>>",
		"Are you still with me?",
		"Glad to hear it improved.",
	}}
	s, _ := newTestSession(t, gw, &recordingDispatcher{})
	ctx := context.Background()

	res, err := s.ProcessTurn(ctx, "I can't breathe")
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, res.State)
	assert.True(t, res.Escalated)
	assert.Equal(t, "Please call 911 immediately.", res.DisplayText)

	// No amount of calm follow-up reverts the escalation.
	for _, msg := range []string{"it passed", "feeling better now"} {
		res, err = s.ProcessTurn(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, StateEscalated, res.State)
		assert.True(t, res.Escalated)
	}
}

func TestEndOfConversationClosesAndDispatchesOnce(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"Take care!<<END_OF_CONVERSATION>>"}}
	dispatcher := &recordingDispatcher{}
	s, _ := newTestSession(t, gw, dispatcher)
	ctx := context.Background()

	res, err := s.ProcessTurn(ctx, "thanks, bye")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, res.State)
	assert.Equal(t, "Take care!", res.DisplayText)
	require.Equal(t, 1, dispatcher.count())
	assert.Equal(t, "sess-1", dispatcher.sessionID)
	assert.Equal(t, "user-1", dispatcher.userID)
	assert.False(t, dispatcher.escalated)
	assert.Len(t, dispatcher.turns, 2)

	// Any further message is rejected, never silently accepted.
	_, err = s.ProcessTurn(ctx, "one more thing")
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, dispatcher.count())
}

func TestEmergencyAndEndInSameResponse(t *testing.T) {
	gw := &scriptedGateway{responses: []string{
		"Where exactly does it hurt?",
		"Call 911 now.<<EMERGENCY>><<END_OF_CONVERSATION>>",
	}}
	dispatcher := &recordingDispatcher{}
	s, store := newTestSession(t, gw, dispatcher)
	ctx := context.Background()

	res, err := s.ProcessTurn(ctx, "I have chest pain")
	require.NoError(t, err)
	assert.Equal(t, StateActive, res.State)
	assert.Equal(t, "Where exactly does it hurt?", res.DisplayText)

	res, err = s.ProcessTurn(ctx, "it is crushing and spreading to my arm")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, res.State)
	assert.True(t, res.Escalated)
	assert.ElementsMatch(t, []signal.Signal{signal.Emergency, signal.EndOfConversation}, res.Signals)

	require.Equal(t, 1, dispatcher.count())
	assert.True(t, dispatcher.escalated, "dispatcher must see the escalation flag")
	assert.Len(t, dispatcher.turns, 4)

	turns, _ := store.Read(ctx, "sess-1")
	for i, turn := range turns {
		assert.Equal(t, int64(i+1), turn.Seq)
	}
}

func TestConcurrentTurnsAreSerialized(t *testing.T) {
	gw := &scriptedGateway{delay: 20 * time.Millisecond}
	s, store := newTestSession(t, gw, &recordingDispatcher{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, msg := range []string{"first message", "second message"} {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			_, err := s.ProcessTurn(ctx, m)
			assert.NoError(t, err)
		}(msg)
	}
	wg.Wait()

	turns, _ := store.Read(ctx, "sess-1")
	require.Len(t, turns, 4, "neither turn may be dropped")
	for i, turn := range turns {
		assert.Equal(t, int64(i+1), turn.Seq, "sequence numbers must be gap-free")
	}
	// Turns must not interleave: user/assistant pairs in strict alternation.
	assert.Equal(t, transcript.RoleUser, turns[0].Role)
	assert.Equal(t, transcript.RoleAssistant, turns[1].Role)
	assert.Equal(t, transcript.RoleUser, turns[2].Role)
	assert.Equal(t, transcript.RoleAssistant, turns[3].Role)
}

func TestTryProcessTurnBusy(t *testing.T) {
	gw := &scriptedGateway{delay: 50 * time.Millisecond}
	s, _ := newTestSession(t, gw, &recordingDispatcher{})
	ctx := context.Background()

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = s.ProcessTurn(ctx, "slow turn")
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	_, err := s.TryProcessTurn(ctx, "impatient turn")
	require.ErrorIs(t, err, ErrSessionBusy)
}

func TestStoreFailureRefusesTurn(t *testing.T) {
	store := newMemStore()
	store.fail = transcript.ErrUnavailable
	s := newSession("sess-1", "user-1", nil, store, &scriptedGateway{}, &recordingDispatcher{}, logging.New("error"), nil)

	_, err := s.ProcessTurn(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, transcript.ErrUnavailable)
	assert.Equal(t, StateActive, s.State(), "a refused turn must not advance state")
}

func TestModelFailureSurfacesError(t *testing.T) {
	s, store := newTestSession(t, failingGateway{}, &recordingDispatcher{})

	_, err := s.ProcessTurn(context.Background(), "hello")
	require.Error(t, err)

	// The inbound turn was durably recorded before the model call failed.
	turns, _ := store.Read(context.Background(), "sess-1")
	assert.Len(t, turns, 1)
}

func TestDisconnectedContextStillCompletesTurn(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"Seek help now.<<EMERGENCY>><<END_OF_CONVERSATION>>"}}
	dispatcher := &recordingDispatcher{}
	s, store := newTestSession(t, gw, dispatcher)

	// Simulate the remote party dropping mid-turn.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.ProcessTurn(ctx, "severe bleeding")
	require.NoError(t, err, "a disconnect must not abort the in-flight turn")
	assert.Equal(t, StateClosed, res.State)
	require.Equal(t, 1, dispatcher.count(), "the emergency handoff must survive the disconnect")

	turns, _ := store.Read(context.Background(), "sess-1")
	assert.Len(t, turns, 2)
}

func TestRecordUpload(t *testing.T) {
	gw := &scriptedGateway{responses: []string{"Noted, bye.<<END_OF_CONVERSATION>>"}}
	s, store := newTestSession(t, gw, &recordingDispatcher{})
	ctx := context.Background()

	require.NoError(t, s.RecordUpload(ctx, "labs.pdf", "s3://bucket/labs.pdf"))
	turns, _ := store.Read(ctx, "sess-1")
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Text, "labs.pdf")

	_, err := s.ProcessTurn(ctx, "that's everything")
	require.NoError(t, err)
	require.ErrorIs(t, s.RecordUpload(ctx, "more.pdf", "s3://bucket/more.pdf"), ErrSessionClosed)
}

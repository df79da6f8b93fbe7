// Package session implements the conversation orchestration engine: the
// per-session state machine that sequences turns, classifies control signals
// in model output, and hands terminal transcripts to the report pipeline
// exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meditriage/triage-platform/internal/llm"
	"github.com/meditriage/triage-platform/internal/observability/metrics"
	"github.com/meditriage/triage-platform/internal/signal"
	"github.com/meditriage/triage-platform/internal/transcript"
	"github.com/meditriage/triage-platform/pkg/logging"
)

// State is the lifecycle position of a conversation session.
type State string

const (
	// StateActive is the initial state: normal turn exchange.
	StateActive State = "ACTIVE"
	// StateEscalated is entered on an emergency signal and is sticky; the
	// conversation may continue but never reverts to ACTIVE.
	StateEscalated State = "ESCALATED"
	// StateTerminating is entered on an end-of-conversation signal, while the
	// report handoff is being dispatched.
	StateTerminating State = "TERMINATING"
	// StateClosed is terminal. Further inbound turns are rejected.
	StateClosed State = "CLOSED"
)

var (
	// ErrSessionClosed rejects turns submitted to a terminal session.
	ErrSessionClosed = errors.New("session: conversation closed")
	// ErrSessionBusy reports a turn already in flight for the session.
	ErrSessionBusy = errors.New("session: turn already in flight")
)

// TranscriptStore is the durable ordered turn log consumed by the engine.
type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, turn transcript.Turn) error
	Read(ctx context.Context, sessionID string) ([]transcript.Turn, error)
}

// Converser is the conversational role of the model gateway.
type Converser interface {
	Converse(ctx context.Context, history []llm.ChatMessage) (string, error)
}

// ReportDispatcher receives the final transcript of a terminal session. The
// call must not block: report generation runs asynchronously relative to the
// final turn.
type ReportDispatcher interface {
	Dispatch(sessionID, userID string, turns []transcript.Turn, escalated bool)
}

// TurnResult is what the transport layer relays back to the remote party.
type TurnResult struct {
	DisplayText string
	State       State
	Escalated   bool
	Signals     []signal.Signal
}

// Session owns one conversation: its state, its in-memory transcript copy and
// its turn sequencing. All mutation happens under the session mutex; the
// registry guarantees one Session object per identifier.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	// Unix nanos of the last completed activity, readable without the
	// session lock so the eviction sweep never waits on an in-flight turn.
	lastActivity atomic.Int64

	mu        sync.Mutex
	state     State
	escalated bool
	turns     []transcript.Turn

	store   TranscriptStore
	gateway Converser
	reports ReportDispatcher
	logger  *logging.Logger
	metrics *metrics.TriageMetrics
}

func newSession(id, userID string, turns []transcript.Turn, store TranscriptStore, gateway Converser, reports ReportDispatcher, logger *logging.Logger, m *metrics.TriageMetrics) *Session {
	s := &Session{
		id:        id,
		userID:    userID,
		createdAt: time.Now().UTC(),
		state:     StateActive,
		turns:     turns,
		store:     store,
		gateway:   gateway,
		reports:   reports,
		logger:    logger.With("session_id", id),
		metrics:   m,
	}
	s.touch()

	// Rehydrate state from the durable transcript: a stored end signal means
	// the report handoff already happened, an emergency signal stays sticky.
	for _, turn := range turns {
		if signal.Contains(turn.Signals, signal.Emergency) {
			s.escalated = true
			s.state = StateEscalated
		}
		if signal.Contains(turn.Signals, signal.EndOfConversation) {
			s.state = StateClosed
		}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Escalated reports whether an emergency was detected at any point.
func (s *Session) Escalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

// ProcessTurn runs one full turn: append the inbound message, obtain the
// model response, classify signals, append the assistant turn and apply state
// transitions. Concurrent callers for the same session are serialized; the
// second caller waits until the first turn completes.
//
// The model call is shielded from caller cancellation: a remote disconnect
// mid-call does not abort the turn. The response still lands in the
// transcript and still drives transitions (including report dispatch); only
// delivery is skipped by the transport layer.
func (s *Session) ProcessTurn(ctx context.Context, text string) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processTurnLocked(ctx, text)
}

// TryProcessTurn is the non-blocking variant used by the HTTP fallback
// endpoint: if a turn is already in flight it returns ErrSessionBusy instead
// of queueing.
func (s *Session) TryProcessTurn(ctx context.Context, text string) (*TurnResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrSessionBusy
	}
	defer s.mu.Unlock()
	return s.processTurnLocked(ctx, text)
}

func (s *Session) processTurnLocked(ctx context.Context, text string) (*TurnResult, error) {
	if s.state == StateClosed {
		s.metrics.ObserveTurn("rejected_closed")
		return nil, ErrSessionClosed
	}

	inbound := transcript.Turn{
		Seq:         int64(len(s.turns)) + 1,
		Role:        transcript.RoleUser,
		Text:        text,
		DisplayText: text,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.store.Append(ctx, s.id, inbound); err != nil {
		// The turn is not processed if it could not be durably recorded.
		s.metrics.ObserveTurn("store_error")
		return nil, fmt.Errorf("session: record inbound turn: %w", err)
	}
	s.turns = append(s.turns, inbound)
	s.touch()

	callCtx := context.WithoutCancel(ctx)
	started := time.Now()
	raw, err := s.gateway.Converse(callCtx, chatHistory(s.turns))
	s.metrics.ObserveModelLatency("conversational", time.Since(started).Seconds())
	if err != nil {
		s.metrics.ObserveTurn("model_error")
		return nil, fmt.Errorf("session: model turn: %w", err)
	}

	display, signals := signal.Classify(raw)

	assistant := transcript.Turn{
		Seq:         int64(len(s.turns)) + 1,
		Role:        transcript.RoleAssistant,
		Text:        raw,
		DisplayText: display,
		Signals:     signals,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.store.Append(callCtx, s.id, assistant); err != nil {
		s.metrics.ObserveTurn("store_error")
		return nil, fmt.Errorf("session: record assistant turn: %w", err)
	}
	s.turns = append(s.turns, assistant)

	s.applySignalsLocked(signals)
	s.touch()
	s.metrics.ObserveTurn("ok")

	return &TurnResult{
		DisplayText: display,
		State:       s.state,
		Escalated:   s.escalated,
		Signals:     signals,
	}, nil
}

// RecordUpload appends a document-upload note to the transcript without a
// model turn. Used by the upload endpoint; rejected once the session closes.
func (s *Session) RecordUpload(ctx context.Context, filename, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}

	note := transcript.Turn{
		Seq:         int64(len(s.turns)) + 1,
		Role:        transcript.RoleUser,
		Text:        fmt.Sprintf("[uploaded document: %s](%s)", filename, url),
		DisplayText: fmt.Sprintf("Uploaded document %s", filename),
		Timestamp:   time.Now().UTC(),
	}
	if err := s.store.Append(ctx, s.id, note); err != nil {
		return fmt.Errorf("session: record upload turn: %w", err)
	}
	s.turns = append(s.turns, note)
	s.touch()
	return nil
}

// Transcript returns a copy of the in-memory turn log.
func (s *Session) Transcript() []transcript.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transcript.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) applySignalsLocked(signals []signal.Signal) {
	if signal.Contains(signals, signal.Emergency) {
		if !s.escalated {
			s.escalated = true
			s.metrics.ObserveEscalation()
			s.logger.Warn("session escalated on emergency signal")
		}
		if s.state == StateActive {
			s.state = StateEscalated
		}
	}

	if signal.Contains(signals, signal.EndOfConversation) {
		s.state = StateTerminating

		final := make([]transcript.Turn, len(s.turns))
		copy(final, s.turns)
		s.reports.Dispatch(s.id, s.userID, final, s.escalated)

		// Dispatch, not completion, closes the session; the pipeline tracks
		// its own outcome asynchronously.
		s.state = StateClosed
		s.logger.Info("session closed, report dispatched",
			"turns", len(s.turns),
			"escalated", s.escalated,
		)
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}

// chatHistory converts transcript turns into the gateway message shape. The
// assistant's raw text (markers included) is fed back so the model sees its
// own prior control decisions.
func chatHistory(turns []transcript.Turn) []llm.ChatMessage {
	history := make([]llm.ChatMessage, 0, len(turns))
	for _, turn := range turns {
		role := llm.ChatRoleUser
		if turn.Role == transcript.RoleAssistant {
			role = llm.ChatRoleAssistant
		}
		history = append(history, llm.ChatMessage{Role: role, Content: turn.Text})
	}
	return history
}

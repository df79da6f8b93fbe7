// Package transcript persists the append-only, ordered turn log for each
// triage session. The log is the durable source of truth: it outlives the
// in-memory session object and survives idle eviction.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	transcriptKeyPrefix = "transcript:"
	transcriptTTL       = 30 * 24 * time.Hour
)

// SequenceConflictError reports an append whose sequence number does not
// extend the stored log by exactly one.
type SequenceConflictError struct {
	Expected int64
	Got      int64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("transcript: sequence conflict: expected %d, got %d", e.Expected, e.Got)
}

// ErrUnavailable wraps storage-level failures so callers can distinguish a
// recoverable outage from a contract violation.
var ErrUnavailable = errors.New("transcript: store unavailable")

// Store keeps per-session transcripts as Redis lists. Callers are expected to
// serialize appends per session; the sequence check assumes a single writer.
type Store struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL overrides the transcript retention period.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStore creates a transcript store backed by the provided Redis client.
func NewStore(redisClient *redis.Client, opts ...StoreOption) *Store {
	if redisClient == nil {
		panic("transcript: redis client cannot be nil")
	}
	s := &Store{
		redis:  redisClient,
		tracer: otel.Tracer("triage.internal.transcript"),
		ttl:    transcriptTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a turn at its sequence position. The call is idempotent under
// retry: re-appending an already-stored sequence number with identical content
// succeeds without duplication. A sequence number that neither extends the log
// nor matches a stored turn returns a SequenceConflictError.
func (s *Store) Append(ctx context.Context, sessionID string, turn Turn) error {
	if sessionID == "" {
		return errors.New("transcript: sessionID required")
	}
	if turn.Seq < 1 {
		return &SequenceConflictError{Expected: 1, Got: turn.Seq}
	}

	ctx, span := s.tracer.Start(ctx, "transcript.append")
	defer span.End()

	key := transcriptKey(sessionID)
	length, err := s.redis.LLen(ctx, key).Result()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: llen %s: %v", ErrUnavailable, sessionID, err)
	}

	// Retried append of a turn that already landed.
	if turn.Seq <= length {
		stored, err := s.turnAt(ctx, key, turn.Seq)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if stored.Role == turn.Role && stored.Text == turn.Text {
			return nil
		}
		return &SequenceConflictError{Expected: length + 1, Got: turn.Seq}
	}

	if turn.Seq != length+1 {
		return &SequenceConflictError{Expected: length + 1, Got: turn.Seq}
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("transcript: marshal turn: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: append %s seq %d: %v", ErrUnavailable, sessionID, turn.Seq, err)
	}
	return nil
}

// Read returns the full ordered transcript for a session. A session with no
// stored turns yields an empty slice, not an error.
func (s *Store) Read(ctx context.Context, sessionID string) ([]Turn, error) {
	if sessionID == "" {
		return nil, errors.New("transcript: sessionID required")
	}

	ctx, span := s.tracer.Start(ctx, "transcript.read")
	defer span.End()

	raw, err := s.redis.LRange(ctx, transcriptKey(sessionID), 0, -1).Result()
	if err != nil {
		span.RecordError(err)
		if err == redis.Nil {
			return []Turn{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, sessionID, err)
	}

	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var turn Turn
		if err := json.Unmarshal([]byte(item), &turn); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("transcript: decode turn for %s: %w", sessionID, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func (s *Store) turnAt(ctx context.Context, key string, seq int64) (Turn, error) {
	item, err := s.redis.LIndex(ctx, key, seq-1).Result()
	if err != nil {
		return Turn{}, fmt.Errorf("%w: lindex %s: %v", ErrUnavailable, key, err)
	}
	var turn Turn
	if err := json.Unmarshal([]byte(item), &turn); err != nil {
		return Turn{}, fmt.Errorf("transcript: decode stored turn: %w", err)
	}
	return turn, nil
}

func transcriptKey(sessionID string) string {
	return transcriptKeyPrefix + sessionID
}

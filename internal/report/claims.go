package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClaimStore records which sessions already had a report dispatched, so a
// restart or a second process cannot produce a duplicate.
type claimQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ClaimStore struct {
	pool claimQuerier
}

func NewClaimStore(pool *pgxpool.Pool) *ClaimStore {
	if pool == nil {
		panic("report: pgx pool required")
	}
	return &ClaimStore{pool: pool}
}

func newClaimStoreWithExec(exec claimQuerier) *ClaimStore {
	if exec == nil {
		panic("report: exec required")
	}
	return &ClaimStore{pool: exec}
}

// Claim inserts a dispatch record for the session, returning false if another
// writer already holds it.
func (s *ClaimStore) Claim(ctx context.Context, sessionID string) (bool, error) {
	query := `
		INSERT INTO report_dispatches (session_id)
		VALUES ($1)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return false, fmt.Errorf("report: claim dispatch: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Claimed checks whether a dispatch record exists for the session.
func (s *ClaimStore) Claimed(ctx context.Context, sessionID string) (bool, error) {
	query := `SELECT 1 FROM report_dispatches WHERE session_id = $1`
	var exists int
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("report: check dispatch: %w", err)
	}
	return true, nil
}

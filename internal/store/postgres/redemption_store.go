package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
)

// uniqueViolation is the PostgreSQL error code raised when an insert hits the
// partial unique index on pending requests.
const uniqueViolation = "23505"

// RedemptionStore implements domain.RedemptionStore using PostgreSQL. The
// one-pending-request-per-account invariant is enforced by a partial unique
// index so concurrent writers cannot slip a second pending row in.
type RedemptionStore struct {
	pool *pgxpool.Pool
}

var _ domain.RedemptionStore = (*RedemptionStore)(nil)

// NewRedemptionStore creates a new RedemptionStore backed by the given pool.
func NewRedemptionStore(pool *pgxpool.Pool) *RedemptionStore {
	return &RedemptionStore{pool: pool}
}

const redemptionColumns = `id, account, shares_requested, reference_currency_owed, status, created_at, fulfilled_at`

// Create inserts a new pending request. The id is assigned by the database
// sequence, so ids are strictly increasing in insertion order.
func (s *RedemptionStore) Create(ctx context.Context, account string, shares, owed decimal.Decimal) (domain.RedemptionRequest, error) {
	const query = `
		INSERT INTO redemption_requests (account, shares_requested, reference_currency_owed, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING ` + redemptionColumns

	req, err := scanRedemption(s.pool.QueryRow(ctx, query, account, shares, owed))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.RedemptionRequest{}, domain.ErrRedemptionAlreadyPending
		}
		return domain.RedemptionRequest{}, fmt.Errorf("postgres: create redemption request: %w", err)
	}
	return req, nil
}

// Get returns the request with the given id.
func (s *RedemptionStore) Get(ctx context.Context, id int64) (domain.RedemptionRequest, error) {
	const query = `SELECT ` + redemptionColumns + ` FROM redemption_requests WHERE id = $1`

	req, err := scanRedemption(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RedemptionRequest{}, domain.ErrNotFound
		}
		return domain.RedemptionRequest{}, fmt.Errorf("postgres: get redemption request %d: %w", id, err)
	}
	return req, nil
}

// PendingForAccount returns the account's pending request, or nil when the
// account has none.
func (s *RedemptionStore) PendingForAccount(ctx context.Context, account string) (*domain.RedemptionRequest, error) {
	const query = `SELECT ` + redemptionColumns + `
		FROM redemption_requests WHERE account = $1 AND status = 'pending'`

	req, err := scanRedemption(s.pool.QueryRow(ctx, query, account))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: pending request for %s: %w", account, err)
	}
	return &req, nil
}

// ListPending returns all pending requests in FIFO order.
func (s *RedemptionStore) ListPending(ctx context.Context) ([]domain.RedemptionRequest, error) {
	const query = `SELECT ` + redemptionColumns + `
		FROM redemption_requests WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending requests: %w", err)
	}
	defer rows.Close()

	return collectRedemptions(rows)
}

// MarkFulfilled transitions a pending request to fulfilled. The status guard
// in the WHERE clause makes the transition atomic: a request that is no longer
// pending is left untouched and reported as ErrInvalidTransition.
func (s *RedemptionStore) MarkFulfilled(ctx context.Context, id int64) error {
	const query = `
		UPDATE redemption_requests
		SET status = 'fulfilled', fulfilled_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	return s.transition(ctx, id, query, "fulfill")
}

// Cancel transitions a pending request to cancelled.
func (s *RedemptionStore) Cancel(ctx context.Context, id int64) error {
	const query = `
		UPDATE redemption_requests
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'`

	return s.transition(ctx, id, query, "cancel")
}

func (s *RedemptionStore) transition(ctx context.Context, id int64, query, action string) error {
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: %s redemption request %d: %w", action, id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows: either the request does not exist or it already left the
	// pending state. Distinguish the two for the caller.
	var exists bool
	err = s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM redemption_requests WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check redemption request %d: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidTransition
}

// ListTerminalBefore returns fulfilled and cancelled requests created strictly
// before the cutoff, oldest first.
func (s *RedemptionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.RedemptionRequest, error) {
	const query = `SELECT ` + redemptionColumns + `
		FROM redemption_requests
		WHERE status IN ('fulfilled', 'cancelled') AND created_at < $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal requests: %w", err)
	}
	defer rows.Close()

	return collectRedemptions(rows)
}

func scanRedemption(row pgx.Row) (domain.RedemptionRequest, error) {
	var req domain.RedemptionRequest
	err := row.Scan(
		&req.ID,
		&req.Account,
		&req.SharesRequested,
		&req.ReferenceCurrencyOwed,
		&req.Status,
		&req.CreatedAt,
		&req.FulfilledAt,
	)
	return req, err
}

func collectRedemptions(rows pgx.Rows) ([]domain.RedemptionRequest, error) {
	var reqs []domain.RedemptionRequest
	for rows.Next() {
		req, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan redemption request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: redemption request rows: %w", err)
	}
	return reqs, nil
}

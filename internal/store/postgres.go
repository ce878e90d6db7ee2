package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/arbitration-proxy/internal/model"
)

// Schema creates the proxy tables. Amounts and uint64 identifiers are held
// as NUMERIC so values above the signed 64-bit range survive a round trip.
const Schema = `
CREATE TABLE IF NOT EXISTS arbitration_requests (
	arbitration_id TEXT           NOT NULL,
	requester      TEXT           NOT NULL,
	status         TEXT           NOT NULL,
	deposit        NUMERIC(78, 0) NOT NULL DEFAULT 0,
	max_previous   NUMERIC(78, 0) NOT NULL DEFAULT 0,
	dispute_id     NUMERIC(20, 0) NOT NULL DEFAULT 0,
	ruling         NUMERIC(20, 0) NOT NULL DEFAULT 0,
	answer         NUMERIC(20, 0) NOT NULL DEFAULT 0,
	rounds         JSONB          NOT NULL DEFAULT '[]',
	created_at     TIMESTAMPTZ    NOT NULL,
	updated_at     TIMESTAMPTZ    NOT NULL,
	PRIMARY KEY (arbitration_id, requester)
);

CREATE TABLE IF NOT EXISTS arbitration_bindings (
	arbitration_id TEXT        PRIMARY KEY,
	requester      TEXT        NOT NULL,
	disputed       BOOLEAN     NOT NULL DEFAULT TRUE,
	bound_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dispute_details (
	dispute_id     NUMERIC(20, 0) PRIMARY KEY,
	arbitration_id TEXT           NOT NULL,
	requester      TEXT           NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Funding rounds are stored as a JSONB document on the request row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

const selectRequest = `SELECT arbitration_id, requester, status,
        deposit::TEXT, max_previous::TEXT,
        dispute_id::TEXT, ruling::TEXT, answer::TEXT,
        rounds::TEXT, created_at, updated_at
 FROM arbitration_requests`

const upsertRequest = `INSERT INTO arbitration_requests
   (arbitration_id, requester, status, deposit, max_previous, dispute_id, ruling, answer, rounds, created_at, updated_at)
 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::JSONB, $10, $11)
 ON CONFLICT (arbitration_id, requester) DO UPDATE
 SET status = EXCLUDED.status,
     deposit = EXCLUDED.deposit,
     max_previous = EXCLUDED.max_previous,
     dispute_id = EXCLUDED.dispute_id,
     ruling = EXCLUDED.ruling,
     answer = EXCLUDED.answer,
     rounds = EXCLUDED.rounds,
     updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) GetRequest(ctx context.Context, arbitrationID, requester string) (*model.ArbitrationRequest, error) {
	row := s.pool.QueryRow(ctx, selectRequest+` WHERE arbitration_id = $1 AND requester = $2`, arbitrationID, requester)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("request %s/%s: %w", arbitrationID, requester, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s/%s: %w", arbitrationID, requester, err)
	}
	return r, nil
}

func (s *PostgresStore) SaveRequest(ctx context.Context, req *model.ArbitrationRequest) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertRequest, args...); err != nil {
		return fmt.Errorf("save request %s/%s: %w", req.ArbitrationID, req.Requester, err)
	}
	return nil
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, arbitrationID, requester string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM arbitration_requests WHERE arbitration_id = $1 AND requester = $2`,
		arbitrationID, requester)
	return err
}

func (s *PostgresStore) ListRequests(ctx context.Context, arbitrationID string) ([]model.ArbitrationRequest, error) {
	rows, err := s.pool.Query(ctx,
		selectRequest+` WHERE arbitration_id = $1 ORDER BY created_at, requester`, arbitrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ArbitrationRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DisputeExists(ctx context.Context, arbitrationID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM arbitration_bindings WHERE arbitration_id = $1 AND disputed)`,
		arbitrationID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) RequesterOf(ctx context.Context, arbitrationID string) (string, error) {
	var requester string
	err := s.pool.QueryRow(ctx,
		`SELECT requester FROM arbitration_bindings WHERE arbitration_id = $1`, arbitrationID).
		Scan(&requester)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("binding %s: %w", arbitrationID, ErrNotFound)
	}
	return requester, err
}

// CreateDispute commits the request, the binding and the dispute details in
// one transaction so a crash never leaves a dispute without its owner.
func (s *PostgresStore) CreateDispute(ctx context.Context, req *model.ArbitrationRequest, details model.DisputeDetails) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertRequest, args...); err != nil {
		return fmt.Errorf("store: save request: %w", err)
	}
	// First writer wins; the binding is never updated.
	if _, err := tx.Exec(ctx,
		`INSERT INTO arbitration_bindings (arbitration_id, requester, disputed)
		 VALUES ($1, $2, TRUE)
		 ON CONFLICT (arbitration_id) DO UPDATE SET disputed = TRUE`,
		req.ArbitrationID, req.Requester); err != nil {
		return fmt.Errorf("store: bind question: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO dispute_details (dispute_id, arbitration_id, requester)
		 VALUES ($1::NUMERIC, $2, $3)
		 ON CONFLICT (dispute_id) DO UPDATE
		 SET arbitration_id = EXCLUDED.arbitration_id, requester = EXCLUDED.requester`,
		strconv.FormatUint(details.DisputeID, 10), details.ArbitrationID, details.Requester); err != nil {
		return fmt.Errorf("store: save dispute details: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetDisputeDetails(ctx context.Context, disputeID uint64) (*model.DisputeDetails, error) {
	d := model.DisputeDetails{DisputeID: disputeID}
	err := s.pool.QueryRow(ctx,
		`SELECT arbitration_id, requester FROM dispute_details WHERE dispute_id = $1::NUMERIC`,
		strconv.FormatUint(disputeID, 10)).
		Scan(&d.ArbitrationID, &d.Requester)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dispute %d: %w", disputeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get dispute %d: %w", disputeID, err)
	}
	return &d, nil
}

func (s *PostgresStore) ResolveDispute(ctx context.Context, req *model.ArbitrationRequest) error {
	args, err := requestArgs(req)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertRequest, args...); err != nil {
		return fmt.Errorf("store: save request: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM dispute_details WHERE dispute_id = $1::NUMERIC`,
		strconv.FormatUint(req.DisputeID, 10)); err != nil {
		return fmt.Errorf("store: delete dispute details: %w", err)
	}
	return tx.Commit(ctx)
}

func requestArgs(r *model.ArbitrationRequest) ([]any, error) {
	rounds := r.Rounds
	if rounds == nil {
		rounds = []model.Round{}
	}
	doc, err := json.Marshal(rounds)
	if err != nil {
		return nil, fmt.Errorf("store: encode rounds: %w", err)
	}
	return []any{
		r.ArbitrationID, r.Requester, string(r.Status),
		r.Deposit.String(), r.MaxPrevious.String(),
		strconv.FormatUint(r.DisputeID, 10),
		strconv.FormatUint(r.Ruling, 10),
		strconv.FormatUint(r.Answer, 10),
		string(doc), r.CreatedAt, r.UpdatedAt,
	}, nil
}

// scanRequest reads one request from a pgx row.
func scanRequest(row pgx.Row) (*model.ArbitrationRequest, error) {
	var r model.ArbitrationRequest
	var status, deposit, maxPrevious, disputeID, ruling, answer, rounds string

	if err := row.Scan(&r.ArbitrationID, &r.Requester, &status,
		&deposit, &maxPrevious,
		&disputeID, &ruling, &answer,
		&rounds, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	r.Status = model.Status(status)
	r.Deposit, _ = decimal.NewFromString(deposit)
	r.MaxPrevious, _ = decimal.NewFromString(maxPrevious)
	r.DisputeID, _ = strconv.ParseUint(disputeID, 10, 64)
	r.Ruling, _ = strconv.ParseUint(ruling, 10, 64)
	r.Answer, _ = strconv.ParseUint(answer, 10, 64)
	if err := json.Unmarshal([]byte(rounds), &r.Rounds); err != nil {
		return nil, fmt.Errorf("store: decode rounds: %w", err)
	}
	for i := range r.Rounds {
		fillRound(&r.Rounds[i])
	}
	return &r, nil
}

// fillRound replaces nil maps left by decoding empty JSON objects.
func fillRound(r *model.Round) {
	if r.PaidFees == nil {
		r.PaidFees = make(map[uint64]decimal.Decimal)
	}
	if r.HasPaid == nil {
		r.HasPaid = make(map[uint64]bool)
	}
	if r.Contributions == nil {
		r.Contributions = make(map[model.ContributionKey]decimal.Decimal)
	}
}

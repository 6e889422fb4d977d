package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/poolbet/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Transactions run at SERIALIZABLE isolation and lock the user and market
// rows they read, so concurrent stakes against one balance serialise on
// the row lock and conflicts surface as model.ErrTransient.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// OpenPostgres connects a pool and pings it.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Migrate applies embedded migrations that have not been recorded in
// schema_migrations. Each file runs in its own transaction.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	files, err := migrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range files {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)", m.name,
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", m.name, err)
		}
		if exists {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", m.name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *PostgresStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", mapPgError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx, lockRows: true}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapPgError(err))
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	q querier
	// lockRows appends FOR UPDATE to single-row reads inside a transaction.
	lockRows bool
}

const (
	userColumns   = `id, display_name, balance, is_moderator, created_at`
	marketColumns = `id, title, description, creator_id, outcomes, status,
		pending_resolution_outcome_id, resolved_outcome_id, payout_policy,
		total_pool, deadline, created_at, resolved_at`
	stakeColumns = `id, market_id, outcome_id, user_id, amount, created_at`
)

func (r pgReader) forUpdate() string {
	if r.lockRows {
		return " FOR UPDATE"
	}
	return ""
}

func (r pgReader) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`+r.forUpdate(), id)
	u, err := scanPgUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapPgError(err))
	}
	return u, nil
}

func (r pgReader) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := r.q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`+r.forUpdate(), id)
	m, err := scanPgMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, mapPgError(err))
	}
	return m, nil
}

func (r pgReader) ListStakes(ctx context.Context, f StakeFilter) ([]model.Stake, error) {
	var (
		where []string
		args  []any
	)
	if f.MarketID != "" {
		args = append(args, f.MarketID)
		where = append(where, fmt.Sprintf("market_id = $%d", len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	query := `SELECT ` + stakeColumns + ` FROM stakes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stakes: %w", mapPgError(err))
	}
	defer rows.Close()

	var stakes []model.Stake
	for rows.Next() {
		var st model.Stake
		if err := rows.Scan(&st.ID, &st.MarketID, &st.OutcomeID, &st.UserID, &st.Amount, &st.CreatedAt); err != nil {
			return nil, err
		}
		stakes = append(stakes, st)
	}
	return stakes, mapPgError(rows.Err())
}

func (r pgReader) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", mapPgError(err))
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanPgMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, mapPgError(rows.Err())
}

func (r pgReader) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.q.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", mapPgError(err))
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanPgUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, mapPgError(rows.Err())
}

// pgTx is the write handle passed to RunAtomic callbacks.
type pgTx struct {
	pgReader
}

func (t *pgTx) CreateUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, display_name, balance, is_moderator, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.DisplayName, u.Balance, u.IsModerator, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, mapPgError(err))
	}
	return nil
}

func (t *pgTx) SetUserBalance(ctx context.Context, id string, balance int64) error {
	return t.execUser(ctx, id, `UPDATE users SET balance = $2 WHERE id = $1`, id, balance)
}

func (t *pgTx) AdjustUserBalance(ctx context.Context, id string, delta int64) error {
	return t.execUser(ctx, id, `UPDATE users SET balance = balance + $2 WHERE id = $1`, id, delta)
}

func (t *pgTx) execUser(ctx context.Context, id, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update user %s: %w", id, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	return nil
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO markets (id, title, description, creator_id, outcomes, status,
		        pending_resolution_outcome_id, resolved_outcome_id, payout_policy,
		        total_pool, deadline, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.Title, m.Description, m.CreatorID, string(outcomes), string(m.Status),
		m.PendingResolutionOutcomeID, m.ResolvedOutcomeID, m.PayoutPolicy,
		m.TotalPool, m.Deadline, m.CreatedAt, m.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, mapPgError(err))
	}
	return nil
}

func (t *pgTx) UpdateMarketStatus(ctx context.Context, id string, c model.StatusChange) error {
	return t.execMarket(ctx, id,
		`UPDATE markets
		 SET status = $2, pending_resolution_outcome_id = $3, resolved_outcome_id = $4,
		     payout_policy = $5, resolved_at = $6
		 WHERE id = $1`,
		id, string(c.Status), c.PendingResolutionOutcomeID, c.ResolvedOutcomeID, c.PayoutPolicy, c.ResolvedAt,
	)
}

func (t *pgTx) UpdateMarketOutcomes(ctx context.Context, id string, outcomes []model.Outcome, totalPoolDelta int64) error {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	return t.execMarket(ctx, id,
		`UPDATE markets SET outcomes = $2::jsonb, total_pool = total_pool + $3 WHERE id = $1`,
		id, string(data), totalPoolDelta,
	)
}

func (t *pgTx) execMarket(ctx context.Context, id, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update market %s: %w", id, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return nil
}

func (t *pgTx) CreateStake(ctx context.Context, st *model.Stake) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO stakes (id, market_id, outcome_id, user_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		st.ID, st.MarketID, st.OutcomeID, st.UserID, st.Amount, st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create stake %s: %w", st.ID, mapPgError(err))
	}
	return nil
}

// --- Scanning ---

func scanPgUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Balance, &u.IsModerator, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanPgMarket(row pgx.Row) (*model.Market, error) {
	var (
		m        model.Market
		outcomes []byte
		status   string
	)
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.CreatorID, &outcomes, &status,
		&m.PendingResolutionOutcomeID, &m.ResolvedOutcomeID, &m.PayoutPolicy,
		&m.TotalPool, &m.Deadline, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.Status = model.Status(status)
	if err := json.Unmarshal(outcomes, &m.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes for market %s: %w", m.ID, err)
	}
	return &m, nil
}

// mapPgError classifies driver errors into the model taxonomy. Serialization
// failures, deadlocks and errors pgx knows were never sent become
// ErrTransient; unique violations become ErrDuplicate.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		case "23505":
			return fmt.Errorf("%w: %w", model.ErrDuplicate, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", model.ErrTransient, err)
	}
	return err
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/atmx/poolbet/internal/model"
)

// SQLite result codes (primary code in the low byte).
const (
	sqliteBusy             = 5
	sqliteLocked           = 6
	sqliteConstraintPK     = 1555
	sqliteConstraintUnique = 2067
)

// SQLiteStore implements Store on an embedded SQLite file using the pure-Go
// modernc driver. The pool holds a single connection because SQLite is
// single-writer, so transactions in one process never conflict; another
// process on the same file surfaces as SQLITE_BUSY, mapped to ErrTransient.
type SQLiteStore struct {
	sqlReader
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{sqlReader: sqlReader{q: db}, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		);`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations table: %w", err)
	}

	files, err := migrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range files {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE filename = ?`, m.name,
		).Scan(&n); err != nil {
			return fmt.Errorf("sqlite: check migration %s: %w", m.name, err)
		}
		if n > 0 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin tx for %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: exec migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, applied_at) VALUES (?, ?)`,
			m.name, time.Now().UnixNano(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", mapSQLiteError(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqlTx{sqlReader: sqlReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", mapSQLiteError(err))
	}
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlReader struct {
	q sqlQuerier
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r sqlReader) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanSQLUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapSQLiteError(err))
	}
	return u, nil
}

func (r sqlReader) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanSQLMarket(r.q.QueryRowContext(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, mapSQLiteError(err))
	}
	return m, nil
}

func (r sqlReader) ListStakes(ctx context.Context, f StakeFilter) ([]model.Stake, error) {
	var (
		where []string
		args  []any
	)
	if f.MarketID != "" {
		where = append(where, "market_id = ?")
		args = append(args, f.MarketID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	query := `SELECT ` + stakeColumns + ` FROM stakes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stakes: %w", mapSQLiteError(err))
	}
	defer rows.Close()

	var stakes []model.Stake
	for rows.Next() {
		var (
			st      model.Stake
			created int64
		)
		if err := rows.Scan(&st.ID, &st.MarketID, &st.OutcomeID, &st.UserID, &st.Amount, &created); err != nil {
			return nil, err
		}
		st.CreatedAt = fromNanos(created)
		stakes = append(stakes, st)
	}
	return stakes, mapSQLiteError(rows.Err())
}

func (r sqlReader) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM markets`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", mapSQLiteError(err))
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanSQLMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, mapSQLiteError(rows.Err())
}

func (r sqlReader) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", mapSQLiteError(err))
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanSQLUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, mapSQLiteError(rows.Err())
}

type sqlTx struct {
	sqlReader
}

func (t *sqlTx) CreateUser(ctx context.Context, u *model.User) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO users (id, display_name, balance, is_moderator, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.Balance, u.IsModerator, u.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, mapSQLiteError(err))
	}
	return nil
}

func (t *sqlTx) SetUserBalance(ctx context.Context, id string, balance int64) error {
	return t.exec(ctx, model.ErrUserNotFound, id, `UPDATE users SET balance = ? WHERE id = ?`, balance, id)
}

func (t *sqlTx) AdjustUserBalance(ctx context.Context, id string, delta int64) error {
	return t.exec(ctx, model.ErrUserNotFound, id, `UPDATE users SET balance = balance + ? WHERE id = ?`, delta, id)
}

func (t *sqlTx) CreateMarket(ctx context.Context, m *model.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO markets (id, title, description, creator_id, outcomes, status,
		        pending_resolution_outcome_id, resolved_outcome_id, payout_policy,
		        total_pool, deadline, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.Description, m.CreatorID, string(outcomes), string(m.Status),
		m.PendingResolutionOutcomeID, m.ResolvedOutcomeID, m.PayoutPolicy,
		m.TotalPool, m.Deadline.UnixNano(), m.CreatedAt.UnixNano(), toNullNanos(m.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("create market %s: %w", m.ID, mapSQLiteError(err))
	}
	return nil
}

func (t *sqlTx) UpdateMarketStatus(ctx context.Context, id string, c model.StatusChange) error {
	return t.exec(ctx, model.ErrMarketNotFound, id,
		`UPDATE markets
		 SET status = ?, pending_resolution_outcome_id = ?, resolved_outcome_id = ?,
		     payout_policy = ?, resolved_at = ?
		 WHERE id = ?`,
		string(c.Status), c.PendingResolutionOutcomeID, c.ResolvedOutcomeID,
		c.PayoutPolicy, toNullNanos(c.ResolvedAt), id,
	)
}

func (t *sqlTx) UpdateMarketOutcomes(ctx context.Context, id string, outcomes []model.Outcome, totalPoolDelta int64) error {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	return t.exec(ctx, model.ErrMarketNotFound, id,
		`UPDATE markets SET outcomes = ?, total_pool = total_pool + ? WHERE id = ?`,
		string(data), totalPoolDelta, id,
	)
}

func (t *sqlTx) CreateStake(ctx context.Context, st *model.Stake) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO stakes (id, market_id, outcome_id, user_id, amount, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		st.ID, st.MarketID, st.OutcomeID, st.UserID, st.Amount, st.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create stake %s: %w", st.ID, mapSQLiteError(err))
	}
	return nil
}

func (t *sqlTx) exec(ctx context.Context, notFound error, id, query string, args ...any) error {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, mapSQLiteError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

// --- Scanning ---

func scanSQLUser(row rowScanner) (*model.User, error) {
	var (
		u       model.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Balance, &u.IsModerator, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

func scanSQLMarket(row rowScanner) (*model.Market, error) {
	var (
		m                 model.Market
		outcomes, status  string
		deadline, created int64
		resolved          sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.CreatorID, &outcomes, &status,
		&m.PendingResolutionOutcomeID, &m.ResolvedOutcomeID, &m.PayoutPolicy,
		&m.TotalPool, &deadline, &created, &resolved); err != nil {
		return nil, err
	}
	m.Status = model.Status(status)
	m.Deadline = fromNanos(deadline)
	m.CreatedAt = fromNanos(created)
	if resolved.Valid {
		t := fromNanos(resolved.Int64)
		m.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes for market %s: %w", m.ID, err)
	}
	return &m, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code&0xff == sqliteBusy, code&0xff == sqliteLocked:
			return fmt.Errorf("%w: %w", model.ErrTransient, err)
		case code == sqliteConstraintPK, code == sqliteConstraintUnique,
			strings.Contains(se.Error(), "UNIQUE constraint failed"):
			return fmt.Errorf("%w: %w", model.ErrDuplicate, err)
		}
	}
	return err
}

/*
Package postgres provides a PostgreSQL-backed implementation of the points store.

PURPOSE:
  Implements points.TxStore and points.StatsStore on PostgreSQL through a
  pgx connection pool. Schema and semantics match store/sqlite.

CONCURRENCY:
  Every ledger write runs in one transaction. The balance row is read with
  SELECT ... FOR UPDATE, so concurrent writers for the same user queue on the
  row lock. The version check on save still applies and turns a lost race on
  the first insert into points.ErrConcurrencyConflict.

APPEND-ONLY ENFORCEMENT:
  A trigger function rejects UPDATE and DELETE on point_entries.

USAGE:
  store, err := postgres.New(ctx, postgres.Config{URL: dsn})
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite/sqlite.go: The SQLite flavour of the same schema
  - points/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/points"
)

const uniqueViolation = "23505"

// Config holds pool settings.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements the points storage interfaces using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New connects, pings and migrates.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.WithFields(log.Fields{
		"max_conns": poolCfg.MaxConns,
		"min_conns": poolCfg.MinConns,
	}).Info("connected to PostgreSQL")
	return store, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS point_balances (
		user_id BIGINT PRIMARY KEY,
		total_points BIGINT NOT NULL DEFAULT 0,
		available_points BIGINT NOT NULL DEFAULT 0,
		current_level INTEGER NOT NULL DEFAULT 1,
		daily_earned_points BIGINT NOT NULL DEFAULT 0,
		last_earned_date DATE,
		last_entry_hash TEXT,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_point_balances_total
		ON point_balances(total_points DESC, user_id ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_point_balances_level
		ON point_balances(current_level)`,
	`CREATE TABLE IF NOT EXISTS point_entries (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		tx_type TEXT NOT NULL,
		points BIGINT NOT NULL,
		requested_points BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		total_after BIGINT NOT NULL,
		reference_id TEXT,
		reference_type TEXT,
		description TEXT,
		admin_id BIGINT,
		idempotency_key TEXT,
		earned_on DATE NOT NULL,
		prev_hash TEXT,
		hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_point_entries_user
		ON point_entries(user_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_point_entries_user_created
		ON point_entries(user_id, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_point_entries_idempotency
		ON point_entries(idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_point_entries_reference
		ON point_entries(reference_type, reference_id)`,
	`CREATE OR REPLACE FUNCTION point_entries_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'point_entries is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS point_entries_no_modify ON point_entries`,
	`CREATE TRIGGER point_entries_no_modify
		BEFORE UPDATE OR DELETE ON point_entries
		FOR EACH ROW EXECUTE FUNCTION point_entries_append_only()`,
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	for _, stmt := range schema {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// POINTS STORE (points.Store interface)
// =============================================================================

func (s *Store) LoadBalance(ctx context.Context, userID points.UserID) (points.Balance, bool, error) {
	return loadBalance(ctx, s.pool, userID, false)
}

func (s *Store) SaveBalance(ctx context.Context, b *points.Balance) error {
	return saveBalance(ctx, s.pool, b)
}

func (s *Store) AppendEntry(ctx context.Context, e *points.Entry) error {
	return appendEntry(ctx, s.pool, e)
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (points.Entry, bool, error) {
	return entryByKey(ctx, s.pool, key)
}

func (s *Store) Entries(ctx context.Context, userID points.UserID) ([]points.Entry, error) {
	return queryEntries(ctx, s.pool, selectEntries+` WHERE user_id = $1 ORDER BY id ASC`, int64(userID))
}

func (s *Store) History(ctx context.Context, q points.HistoryQuery) ([]points.Entry, error) {
	return history(ctx, s.pool, q)
}

const selectBalance = `
	SELECT user_id, total_points, available_points, current_level, daily_earned_points,
	       last_earned_date, last_entry_hash, version, created_at, updated_at
	FROM point_balances`

const selectEntries = `
	SELECT id, user_id, tx_type, points, requested_points, balance_after, total_after,
	       reference_id, reference_type, description, admin_id, idempotency_key,
	       earned_on, prev_hash, hash, created_at
	FROM point_entries`

func loadBalance(ctx context.Context, db querier, userID points.UserID, forUpdate bool) (points.Balance, bool, error) {
	query := selectBalance + ` WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBalance(db.QueryRow(ctx, query, int64(userID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return points.Balance{}, false, nil
	}
	if err != nil {
		return points.Balance{}, false, err
	}
	return b, true, nil
}

func saveBalance(ctx context.Context, db querier, b *points.Balance) error {
	if b.Version == 0 {
		_, err := db.Exec(ctx, `
			INSERT INTO point_balances
			(user_id, total_points, available_points, current_level, daily_earned_points,
			 last_earned_date, last_entry_hash, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`,
			int64(b.UserID), b.TotalPoints, b.AvailablePoints, b.CurrentLevel, b.DailyEarnedPoints,
			dateArg(b.LastEarnedDate), textArg(b.LastEntryHash), b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("balance for user %d created concurrently: %w", b.UserID, points.ErrConcurrencyConflict)
			}
			return fmt.Errorf("failed to insert balance: %w", err)
		}
		b.Version = 1
		return nil
	}

	tag, err := db.Exec(ctx, `
		UPDATE point_balances SET
			total_points = $1, available_points = $2, current_level = $3, daily_earned_points = $4,
			last_earned_date = $5, last_entry_hash = $6, version = version + 1, updated_at = $7
		WHERE user_id = $8 AND version = $9`,
		b.TotalPoints, b.AvailablePoints, b.CurrentLevel, b.DailyEarnedPoints,
		dateArg(b.LastEarnedDate), textArg(b.LastEntryHash), b.UpdatedAt.UTC(),
		int64(b.UserID), b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("balance for user %d at version %d: %w", b.UserID, b.Version, points.ErrConcurrencyConflict)
	}
	b.Version++
	return nil
}

func appendEntry(ctx context.Context, db querier, e *points.Entry) error {
	var adminID *int64
	if e.AdminID != nil {
		id := int64(*e.AdminID)
		adminID = &id
	}

	err := db.QueryRow(ctx, `
		INSERT INTO point_entries
		(user_id, tx_type, points, requested_points, balance_after, total_after,
		 reference_id, reference_type, description, admin_id, idempotency_key,
		 earned_on, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		int64(e.UserID), string(e.Type), e.Points, e.RequestedPoints, e.BalanceAfter, e.TotalAfter,
		textArg(e.ReferenceID), textArg(e.ReferenceType), textArg(e.Description),
		adminID, textArg(e.IdempotencyKey),
		dateArg(e.EarnedOn), textArg(e.PrevHash), e.Hash, e.CreatedAt.UTC(),
	).Scan(&e.ID)
	if err != nil {
		if isUniqueViolation(err) && e.IdempotencyKey != "" {
			// The transaction is aborted at this point; the caller rolls back
			// and the ledger resolves the duplicate on its next attempt.
			return fmt.Errorf("idempotency key %q: %w", e.IdempotencyKey, points.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func entryByKey(ctx context.Context, db querier, key string) (points.Entry, bool, error) {
	entries, err := queryEntries(ctx, db, selectEntries+` WHERE idempotency_key = $1`, key)
	if err != nil || len(entries) == 0 {
		return points.Entry{}, false, err
	}
	return entries[0], true, nil
}

func history(ctx context.Context, db querier, q points.HistoryQuery) ([]points.Entry, error) {
	q = q.Normalize()
	args := []any{int64(q.UserID)}
	where := []string{"user_id = $1"}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !q.From.IsZero() {
		where = append(where, "created_at >= "+arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		where = append(where, "created_at < "+arg(q.To.UTC()))
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		where = append(where, "tx_type = ANY("+arg(types)+")")
	}
	query := selectEntries + ` WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY id DESC LIMIT ` + arg(q.Limit) + ` OFFSET ` + arg(q.Offset)
	return queryEntries(ctx, db, query, args...)
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]points.Entry, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []points.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(row scanner) (points.Balance, error) {
	var (
		b              points.Balance
		userID         int64
		lastEarnedDate *time.Time
		lastEntryHash  *string
	)
	err := row.Scan(
		&userID, &b.TotalPoints, &b.AvailablePoints, &b.CurrentLevel, &b.DailyEarnedPoints,
		&lastEarnedDate, &lastEntryHash, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan balance: %w", err)
	}

	b.UserID = points.UserID(userID)
	if lastEarnedDate != nil {
		b.LastEarnedDate = points.DateOf(*lastEarnedDate)
	}
	if lastEntryHash != nil {
		b.LastEntryHash = *lastEntryHash
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func scanEntry(row scanner) (points.Entry, error) {
	var (
		e             points.Entry
		userID        int64
		txType        string
		referenceID   *string
		referenceType *string
		description   *string
		adminID       *int64
		key           *string
		earnedOn      time.Time
		prevHash      *string
	)
	err := row.Scan(
		&e.ID, &userID, &txType, &e.Points, &e.RequestedPoints, &e.BalanceAfter, &e.TotalAfter,
		&referenceID, &referenceType, &description, &adminID, &key,
		&earnedOn, &prevHash, &e.Hash, &e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.UserID = points.UserID(userID)
	e.Type = points.TransactionType(txType)
	e.ReferenceID = deref(referenceID)
	e.ReferenceType = deref(referenceType)
	e.Description = deref(description)
	if adminID != nil {
		id := points.UserID(*adminID)
		e.AdminID = &id
	}
	e.IdempotencyKey = deref(key)
	e.EarnedOn = points.DateOf(earnedOn)
	e.PrevHash = deref(prevHash)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

// LoadBalance locks the row until the transaction ends.
func (ts *txStore) LoadBalance(ctx context.Context, userID points.UserID) (points.Balance, bool, error) {
	return loadBalance(ctx, ts.tx, userID, true)
}

func (ts *txStore) SaveBalance(ctx context.Context, b *points.Balance) error {
	return saveBalance(ctx, ts.tx, b)
}

func (ts *txStore) AppendEntry(ctx context.Context, e *points.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) EntryByIdempotencyKey(ctx context.Context, key string) (points.Entry, bool, error) {
	return entryByKey(ctx, ts.tx, key)
}

func (ts *txStore) Entries(ctx context.Context, userID points.UserID) ([]points.Entry, error) {
	return queryEntries(ctx, ts.tx, selectEntries+` WHERE user_id = $1 ORDER BY id ASC`, int64(userID))
}

func (ts *txStore) History(ctx context.Context, q points.HistoryQuery) ([]points.Entry, error) {
	return history(ctx, ts.tx, q)
}

// =============================================================================
// STATISTICS (points.StatsStore interface)
// =============================================================================

func (s *Store) Ranking(ctx context.Context, limit, offset int) ([]points.Balance, error) {
	return s.queryBalances(ctx, "ranking",
		selectBalance+` ORDER BY total_points DESC, user_id ASC LIMIT $1 OFFSET $2`, limit, offset)
}

func (s *Store) UsersAtOrAboveLevel(ctx context.Context, level, limit, offset int) ([]points.Balance, error) {
	return s.queryBalances(ctx, "users by level",
		selectBalance+` WHERE current_level >= $1 ORDER BY total_points DESC, user_id ASC LIMIT $2 OFFSET $3`,
		level, limit, offset)
}

func (s *Store) queryBalances(ctx context.Context, what, query string, args ...any) ([]points.Balance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer rows.Close()

	var balances []points.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *Store) CountByLevel(ctx context.Context) (map[int]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT current_level, COUNT(*) FROM point_balances GROUP BY current_level`)
	if err != nil {
		return nil, fmt.Errorf("failed to count levels: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var level int
		var n int64
		if err := rows.Scan(&level, &n); err != nil {
			return nil, err
		}
		counts[level] = n
	}
	return counts, rows.Err()
}

func (s *Store) Totals(ctx context.Context) (points.Totals, error) {
	var t points.Totals
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_points), 0)::BIGINT, COALESCE(SUM(available_points), 0)::BIGINT
		FROM point_balances`,
	).Scan(&t.Users, &t.TotalPoints, &t.AvailablePoints)
	if err != nil {
		return t, fmt.Errorf("failed to load totals: %w", err)
	}
	return t, nil
}

func (s *Store) UserIDs(ctx context.Context) ([]points.UserID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM point_balances
		UNION
		SELECT user_id FROM point_entries
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []points.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, points.UserID(id))
	}
	return ids, rows.Err()
}

// Helper functions

func textArg(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func dateArg(d points.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Time(time.UTC)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

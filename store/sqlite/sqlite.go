/*
Package sqlite provides a SQLite-backed implementation of the points store.

PURPOSE:
  Implements points.TxStore and points.StatsStore on SQLite. The same
  schema runs on PostgreSQL with minor dialect changes (see
  store/postgres).

INTERFACES IMPLEMENTED:
  points.Store:      Balance load/save and entry append/read
  points.TxStore:    One SQL transaction per ledger write
  points.StatsStore: Ranking, level counts and totals

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on point_entries
  - Triggers reject UPDATE and DELETE on point_entries at the database level
  - Corrections are new entries (admin adjustments)

KEY TABLES:
  point_balances: One row per user, versioned (optimistic concurrency)
  point_entries:  Immutable, hash-chained ledger rows

INDEXES:
  - idx_point_entries_user: History and replay (hot path)
  - idx_point_entries_idempotency: Duplicate detection
  - idx_point_balances_total: Ranking

CONCURRENCY:
  Uses sync.RWMutex for thread-safety within the process and
  BEGIN IMMEDIATE transactions across processes. Balance saves carry a
  version check, so a second process writing the same user gets
  points.ErrConcurrencyConflict and the ledger retries.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger, err := points.NewLedger(store, points.DefaultPolicy())

SEE ALSO:
  - points/store.go: Interface definitions
  - points/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/points-ledger/points"
)

// fixed width so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements the points storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Per-user aggregate (a cache of point_entries)
	CREATE TABLE IF NOT EXISTS point_balances (
		user_id INTEGER PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0,
		available_points INTEGER NOT NULL DEFAULT 0,
		current_level INTEGER NOT NULL DEFAULT 1,
		daily_earned_points INTEGER NOT NULL DEFAULT 0,
		last_earned_date TEXT,
		last_entry_hash TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_balances_total
		ON point_balances(total_points DESC, user_id ASC);
	CREATE INDEX IF NOT EXISTS idx_point_balances_level
		ON point_balances(current_level);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS point_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		points INTEGER NOT NULL,
		requested_points INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		total_after INTEGER NOT NULL,
		reference_id TEXT,
		reference_type TEXT,
		description TEXT,
		admin_id INTEGER,
		idempotency_key TEXT,
		earned_on TEXT NOT NULL,
		prev_hash TEXT,
		hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_point_entries_user
		ON point_entries(user_id, id);
	CREATE INDEX IF NOT EXISTS idx_point_entries_user_created
		ON point_entries(user_id, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_entries_idempotency
		ON point_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_point_entries_reference
		ON point_entries(reference_type, reference_id);

	CREATE TRIGGER IF NOT EXISTS point_entries_no_update
		BEFORE UPDATE ON point_entries
	BEGIN
		SELECT RAISE(ABORT, 'point_entries is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS point_entries_no_delete
		BEFORE DELETE ON point_entries
	BEGIN
		SELECT RAISE(ABORT, 'point_entries is append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// POINTS STORE (points.Store interface)
// =============================================================================

func (s *Store) LoadBalance(ctx context.Context, userID points.UserID) (points.Balance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadBalance(ctx, s.db, userID)
}

func (s *Store) SaveBalance(ctx context.Context, b *points.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBalance(ctx, s.db, b)
}

func (s *Store) AppendEntry(ctx context.Context, e *points.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (points.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryByKey(ctx, s.db, key)
}

func (s *Store) Entries(ctx context.Context, userID points.UserID) ([]points.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, selectEntries+` WHERE user_id = ? ORDER BY id ASC`, userID)
}

func (s *Store) History(ctx context.Context, q points.HistoryQuery) ([]points.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return history(ctx, s.db, q)
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

func loadBalance(ctx context.Context, db querier, userID points.UserID) (points.Balance, bool, error) {
	row := db.QueryRowContext(ctx, selectBalance+` WHERE user_id = ?`, userID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return points.Balance{}, false, nil
	}
	if err != nil {
		return points.Balance{}, false, err
	}
	return b, true, nil
}

func saveBalance(ctx context.Context, db querier, b *points.Balance) error {
	if b.Version == 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO point_balances
			(user_id, total_points, available_points, current_level, daily_earned_points,
			 last_earned_date, last_entry_hash, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			b.UserID, b.TotalPoints, b.AvailablePoints, b.CurrentLevel, b.DailyEarnedPoints,
			nullString(b.LastEarnedDate.String()), nullString(b.LastEntryHash),
			b.CreatedAt.UTC().Format(timeLayout), b.UpdatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("balance for user %d created concurrently: %w", b.UserID, points.ErrConcurrencyConflict)
			}
			return fmt.Errorf("failed to insert balance: %w", err)
		}
		b.Version = 1
		return nil
	}

	res, err := db.ExecContext(ctx, `
		UPDATE point_balances SET
			total_points = ?, available_points = ?, current_level = ?, daily_earned_points = ?,
			last_earned_date = ?, last_entry_hash = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND version = ?`,
		b.TotalPoints, b.AvailablePoints, b.CurrentLevel, b.DailyEarnedPoints,
		nullString(b.LastEarnedDate.String()), nullString(b.LastEntryHash),
		b.UpdatedAt.UTC().Format(timeLayout),
		b.UserID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("balance for user %d at version %d: %w", b.UserID, b.Version, points.ErrConcurrencyConflict)
	}
	b.Version++
	return nil
}

func appendEntry(ctx context.Context, db querier, e *points.Entry) error {
	var adminID sql.NullInt64
	if e.AdminID != nil {
		adminID = sql.NullInt64{Int64: int64(*e.AdminID), Valid: true}
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO point_entries
		(user_id, tx_type, points, requested_points, balance_after, total_after,
		 reference_id, reference_type, description, admin_id, idempotency_key,
		 earned_on, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, string(e.Type), e.Points, e.RequestedPoints, e.BalanceAfter, e.TotalAfter,
		nullString(e.ReferenceID), nullString(e.ReferenceType), nullString(e.Description),
		adminID, nullString(e.IdempotencyKey),
		e.EarnedOn.String(), nullString(e.PrevHash), e.Hash,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) && e.IdempotencyKey != "" {
			existing, found, lookupErr := entryByKey(ctx, db, e.IdempotencyKey)
			if lookupErr == nil && found {
				return &points.DuplicateError{Key: e.IdempotencyKey, Existing: existing}
			}
			return points.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read entry id: %w", err)
	}
	e.ID = id
	return nil
}

func entryByKey(ctx context.Context, db querier, key string) (points.Entry, bool, error) {
	entries, err := queryEntries(ctx, db, selectEntries+` WHERE idempotency_key = ?`, key)
	if err != nil || len(entries) == 0 {
		return points.Entry{}, false, err
	}
	return entries[0], true, nil
}

func history(ctx context.Context, db querier, q points.HistoryQuery) ([]points.Entry, error) {
	q = q.Normalize()
	where := []string{"user_id = ?"}
	args := []any{q.UserID}
	if !q.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.From.UTC().Format(timeLayout))
	}
	if !q.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.To.UTC().Format(timeLayout))
	}
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "tx_type IN ("+strings.Join(marks, ",")+")")
	}
	args = append(args, q.Limit, q.Offset)

	query := selectEntries + ` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	return queryEntries(ctx, db, query, args...)
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]points.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
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
		lastEarnedDate sql.NullString
		lastEntryHash  sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(
		&b.UserID, &b.TotalPoints, &b.AvailablePoints, &b.CurrentLevel, &b.DailyEarnedPoints,
		&lastEarnedDate, &lastEntryHash, &b.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return b, err
		}
		return b, fmt.Errorf("failed to scan balance: %w", err)
	}

	if b.LastEarnedDate, err = points.ParseDate(lastEarnedDate.String); err != nil {
		return b, err
	}
	b.LastEntryHash = lastEntryHash.String
	if b.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return b, fmt.Errorf("invalid created_at for user %d: %w", b.UserID, err)
	}
	if b.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return b, fmt.Errorf("invalid updated_at for user %d: %w", b.UserID, err)
	}
	return b, nil
}

func scanEntry(row scanner) (points.Entry, error) {
	var (
		e             points.Entry
		txType        string
		referenceID   sql.NullString
		referenceType sql.NullString
		description   sql.NullString
		adminID       sql.NullInt64
		key           sql.NullString
		earnedOn      string
		prevHash      sql.NullString
		createdAt     string
	)
	err := row.Scan(
		&e.ID, &e.UserID, &txType, &e.Points, &e.RequestedPoints, &e.BalanceAfter, &e.TotalAfter,
		&referenceID, &referenceType, &description, &adminID, &key,
		&earnedOn, &prevHash, &e.Hash, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Type = points.TransactionType(txType)
	e.ReferenceID = referenceID.String
	e.ReferenceType = referenceType.String
	e.Description = description.String
	if adminID.Valid {
		id := points.UserID(adminID.Int64)
		e.AdminID = &id
	}
	e.IdempotencyKey = key.String
	if e.EarnedOn, err = points.ParseDate(earnedOn); err != nil {
		return e, err
	}
	e.PrevHash = prevHash.String
	if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return e, fmt.Errorf("invalid created_at for entry %d: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// TRANSACTIONAL STORE (points.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store points.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LoadBalance(ctx context.Context, userID points.UserID) (points.Balance, bool, error) {
	return loadBalance(ctx, ts.tx, userID)
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
	return queryEntries(ctx, ts.tx, selectEntries+` WHERE user_id = ? ORDER BY id ASC`, userID)
}

func (ts *txStore) History(ctx context.Context, q points.HistoryQuery) ([]points.Entry, error) {
	return history(ctx, ts.tx, q)
}

// =============================================================================
// STATISTICS (points.StatsStore interface)
// =============================================================================

func (s *Store) Ranking(ctx context.Context, limit, offset int) ([]points.Balance, error) {
	return s.queryBalances(ctx, "ranking",
		selectBalance+` ORDER BY total_points DESC, user_id ASC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *Store) UsersAtOrAboveLevel(ctx context.Context, level, limit, offset int) ([]points.Balance, error) {
	return s.queryBalances(ctx, "users by level",
		selectBalance+` WHERE current_level >= ? ORDER BY total_points DESC, user_id ASC LIMIT ? OFFSET ?`,
		level, limit, offset)
}

func (s *Store) queryBalances(ctx context.Context, what, query string, args ...any) ([]points.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT current_level, COUNT(*) FROM point_balances GROUP BY current_level`)
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t points.Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_points), 0), COALESCE(SUM(available_points), 0)
		FROM point_balances`,
	).Scan(&t.Users, &t.TotalPoints, &t.AvailablePoints)
	if err != nil {
		return t, fmt.Errorf("failed to load totals: %w", err)
	}
	return t, nil
}

func (s *Store) UserIDs(ctx context.Context) ([]points.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM point_balances
		UNION
		SELECT DISTINCT user_id FROM point_entries
		ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []points.UserID
	for rows.Next() {
		var id points.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

/*
store.go - Persistence interface for balances and ledger entries

PURPOSE:
  Defines the boundary between the ledger service and the database. A
  store keeps two things: the per-user Balance aggregate (a versioned
  row) and the append-only Entry history.

KEY INTERFACES:
  Store:      Balance load/save (CAS) and entry append/read
  TxStore:    Atomic unit covering one balance save plus one entry append
  StatsStore: Read-only, cross-user queries (ranking, level filter, level counts, totals)

APPEND-ONLY CONTRACT:
  - AppendEntry() is the only entry write
  - NO UpdateEntry() or DeleteEntry() methods exist
  - Balances are caches and may be rewritten by reconciliation

OPTIMISTIC CONCURRENCY:
  SaveBalance() inserts when Version == 0 and otherwise updates only if
  the stored version still equals b.Version. A mismatch returns
  ErrConcurrencyConflict. On success b.Version is incremented.

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)

SEE ALSO:
  - ledger.go: Uses TxStore for every write
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// LoadBalance returns the aggregate and whether it exists.
	LoadBalance(ctx context.Context, userID UserID) (Balance, bool, error)

	// SaveBalance persists b with a version check and bumps b.Version.
	SaveBalance(ctx context.Context, b *Balance) error

	// AppendEntry persists e and sets e.ID. Returns a *DuplicateError if the
	// idempotency key is taken.
	AppendEntry(ctx context.Context, e *Entry) error

	// EntryByIdempotencyKey looks up a previous entry by key.
	EntryByIdempotencyKey(ctx context.Context, key string) (Entry, bool, error)

	// Entries returns the full history of a user ordered by ID ascending.
	Entries(ctx context.Context, userID UserID) ([]Entry, error)

	// History returns a filtered page ordered by ID descending.
	History(ctx context.Context, q HistoryQuery) ([]Entry, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error, everything fn wrote is rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// StatsStore adds cross-user read queries.
type StatsStore interface {
	// Ranking orders balances by TotalPoints desc, then UserID asc.
	Ranking(ctx context.Context, limit, offset int) ([]Balance, error)
	// UsersAtOrAboveLevel is Ranking restricted to CurrentLevel >= level.
	UsersAtOrAboveLevel(ctx context.Context, level, limit, offset int) ([]Balance, error)
	CountByLevel(ctx context.Context) (map[int]int64, error)
	Totals(ctx context.Context) (Totals, error)
	UserIDs(ctx context.Context) ([]UserID, error)
}

// =============================================================================
// QUERIES
// =============================================================================

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// HistoryQuery filters a user's entries. From is inclusive, To is exclusive.
type HistoryQuery struct {
	UserID UserID
	Types  []TransactionType
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// Normalize applies paging defaults and bounds.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Matches reports whether e passes the query filters (not paging).
func (q HistoryQuery) Matches(e Entry) bool {
	if e.UserID != q.UserID {
		return false
	}
	if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !e.CreatedAt.Before(q.To) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if e.Type == t {
			return true
		}
	}
	return false
}

type Totals struct {
	Users           int64
	TotalPoints     int64
	AvailablePoints int64
}

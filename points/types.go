/*
Package points provides the points & level ledger engine.

PURPOSE:
  Credits and debits a per-user point balance, keeps an append-only and
  hash-chained history of every change, enforces a daily earning cap and
  derives a discrete level from lifetime points. Level transitions are
  reported to a PromotionHook once the write has committed.

KEY CONCEPTS IN THIS FILE (types.go):
  - UserID: Identity of the balance owner (trusted, already authenticated)
  - TransactionType: Why points moved, and which category it belongs to
  - Balance: The per-user aggregate (a cache of the entry history)
  - Entry: An immutable ledger row recording one accepted operation

CATEGORIES:
  earn:   Ordinary activity (post, comment, like). Capped per calendar day.
          Counts toward lifetime points.
  grant:  System credits (event bonus, penalty reversal). Not capped.
          Counts toward lifetime points.
  deduct: Spends and penalties. Reduce available points only.
  admin:  Manual adjustments. Not capped. Move both totals.

INVARIANTS:
  1. Balance.AvailablePoints == sum(entry.Points) == last entry BalanceAfter
  2. Balance.TotalPoints == sum(entry.Points) over earn/grant/admin entries
  3. Entries are never updated or deleted

SEE ALSO:
  - policy.go: Daily cap decision
  - level.go: Level table
  - ledger.go: The service that applies operations
  - replay.go: Rebuilding a Balance from entries
*/
package points

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID int64

func (id UserID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseUserID parses a decimal user id. Zero and negative ids are rejected.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid user id %q: must be positive", s)
	}
	return UserID(v), nil
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type Category string

const (
	CategoryEarn   Category = "earn"
	CategoryGrant  Category = "grant"
	CategoryDeduct Category = "deduct"
	CategoryAdmin  Category = "admin"
)

type TransactionType string

const (
	// Earn (capped)
	TxPostCreate    TransactionType = "POST_CREATE"
	TxPostPublished TransactionType = "POST_PUBLISHED"
	TxCommentCreate TransactionType = "COMMENT_CREATE"
	TxPostLiked     TransactionType = "POST_LIKED"
	TxCommentLiked  TransactionType = "COMMENT_LIKED"
	TxPostScrapped  TransactionType = "POST_SCRAPPED"
	TxDailyLogin    TransactionType = "DAILY_LOGIN"

	// Grant (uncapped)
	TxEventBonus      TransactionType = "EVENT_BONUS"
	TxPenaltyReversal TransactionType = "PENALTY_REVERSAL"

	// Deduct (available only)
	TxPostDelete    TransactionType = "POST_DELETE"
	TxCommentDelete TransactionType = "COMMENT_DELETE"
	TxSpamPenalty   TransactionType = "SPAM_PENALTY"
	TxReportPenalty TransactionType = "REPORT_PENALTY"
	TxPointUse      TransactionType = "POINT_USE"

	// Admin
	TxAdminGrant  TransactionType = "ADMIN_GRANT"
	TxAdminDeduct TransactionType = "ADMIN_DEDUCT"
)

type typeInfo struct {
	category      Category
	defaultPoints int64
	description   string
}

var transactionTypes = map[TransactionType]typeInfo{
	TxPostCreate:      {CategoryEarn, 10, "Post created"},
	TxPostPublished:   {CategoryEarn, 5, "Post published"},
	TxCommentCreate:   {CategoryEarn, 3, "Comment created"},
	TxPostLiked:       {CategoryEarn, 2, "Post liked"},
	TxCommentLiked:    {CategoryEarn, 1, "Comment liked"},
	TxPostScrapped:    {CategoryEarn, 5, "Post scrapped"},
	TxDailyLogin:      {CategoryEarn, 5, "Daily login"},
	TxEventBonus:      {CategoryGrant, 0, "Event bonus"},
	TxPenaltyReversal: {CategoryGrant, 0, "Penalty reversal"},
	TxPostDelete:      {CategoryDeduct, 5, "Post deleted"},
	TxCommentDelete:   {CategoryDeduct, 2, "Comment deleted"},
	TxSpamPenalty:     {CategoryDeduct, 50, "Spam penalty"},
	TxReportPenalty:   {CategoryDeduct, 100, "Report penalty"},
	TxPointUse:        {CategoryDeduct, 0, "Points used"},
	TxAdminGrant:      {CategoryAdmin, 0, "Admin grant"},
	TxAdminDeduct:     {CategoryAdmin, 0, "Admin deduction"},
}

// ParseTransactionType accepts the upper-case name of a known type.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, s)
	}
	return t, nil
}

// TransactionTypes returns every known type, earn types first.
func TransactionTypes() []TransactionType {
	return []TransactionType{
		TxPostCreate, TxPostPublished, TxCommentCreate, TxPostLiked, TxCommentLiked,
		TxPostScrapped, TxDailyLogin, TxEventBonus, TxPenaltyReversal,
		TxPostDelete, TxCommentDelete, TxSpamPenalty, TxReportPenalty, TxPointUse,
		TxAdminGrant, TxAdminDeduct,
	}
}

func (t TransactionType) Valid() bool { _, ok := transactionTypes[t]; return ok }

func (t TransactionType) Category() Category { return transactionTypes[t].category }
func (t TransactionType) DefaultPoints() int64 { return transactionTypes[t].defaultPoints }
func (t TransactionType) Description() string { return transactionTypes[t].description }
func (t TransactionType) IsEarn() bool { return t.Category() == CategoryEarn }
func (t TransactionType) IsDeduct() bool { return t.Category() == CategoryDeduct }
func (t TransactionType) IsAdmin() bool { return t.Category() == CategoryAdmin }
func (t TransactionType) IsCredit() bool { c := t.Category(); return c == CategoryEarn || c == CategoryGrant }
func (t TransactionType) CountsTowardTotal() bool { return t.Valid() && !t.IsDeduct() }

// =============================================================================
// BALANCE - Per-user aggregate
// =============================================================================

// Balance is the per-user aggregate. It is a projection of the entry history
// and can always be rebuilt with Replay.
type Balance struct {
	UserID            UserID
	TotalPoints       int64
	AvailablePoints   int64
	CurrentLevel      int
	DailyEarnedPoints int64
	LastEarnedDate    Date
	LastEntryHash     string

	// Version is 0 until the balance is first persisted. Stores bump it on
	// every successful save and reject saves carrying a stale version.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewBalance returns the zero state for a user.
func NewBalance(userID UserID, levels LevelTable, now time.Time) Balance {
	return Balance{
		UserID:       userID,
		CurrentLevel: levels.Lowest().Number,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// IsPersisted reports whether the balance has been saved at least once.
func (b Balance) IsPersisted() bool { return b.Version > 0 }

// SameState compares the ledger-derived fields, ignoring bookkeeping.
func (b Balance) SameState(other Balance) bool {
	return b.UserID == other.UserID &&
		b.TotalPoints == other.TotalPoints &&
		b.AvailablePoints == other.AvailablePoints &&
		b.CurrentLevel == other.CurrentLevel &&
		b.DailyEarnedPoints == other.DailyEarnedPoints &&
		b.LastEarnedDate.Equal(other.LastEarnedDate) &&
		b.LastEntryHash == other.LastEntryHash
}

// =============================================================================
// ENTRY - Immutable ledger row
// =============================================================================

type Entry struct {
	ID              int64
	UserID          UserID
	Type            TransactionType
	Points          int64 // applied, signed
	RequestedPoints int64 // requested, signed
	BalanceAfter    int64
	TotalAfter      int64
	ReferenceID     string
	ReferenceType   string
	Description     string
	AdminID         *UserID
	IdempotencyKey  string
	EarnedOn        Date
	PrevHash        string
	Hash            string
	CreatedAt       time.Time
}

// Truncated reports whether less than the requested amount was applied.
func (e Entry) Truncated() bool { return e.Points != e.RequestedPoints }

// ComputeHash derives the chain hash of the entry. The store-assigned ID is
// not part of the hash, so it can be computed before the append.
func (e Entry) ComputeHash() string {
	admin := ""
	if e.AdminID != nil {
		admin = e.AdminID.String()
	}
	payload := strings.Join([]string{
		e.PrevHash,
		e.UserID.String(),
		string(e.Type),
		strconv.FormatInt(e.Points, 10),
		strconv.FormatInt(e.RequestedPoints, 10),
		strconv.FormatInt(e.BalanceAfter, 10),
		strconv.FormatInt(e.TotalAfter, 10),
		e.ReferenceID,
		e.ReferenceType,
		e.Description,
		admin,
		e.IdempotencyKey,
		e.EarnedOn.String(),
		strconv.FormatInt(e.CreatedAt.UnixNano(), 10),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

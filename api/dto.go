/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the points API. The ledger types carry no JSON tags of
  their own (Date, hash chain fields, version); these DTOs decide what a
  client sees.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers around lists and reports

SEE ALSO:
  - handlers.go: Uses these types
  - points/ledger.go: BalanceView, Result, Statistics
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// BALANCE
// =============================================================================

// LevelDTO is one row of the level table.
type LevelDTO struct {
	Level       int    `json:"level"`
	Name        string `json:"name"`
	MinPoints   int64  `json:"min_points"`
	DailyCap    int64  `json:"daily_cap"`
	Description string `json:"description,omitempty"`
}

// BalanceDTO is what GET /me and the admin user lookup return.
type BalanceDTO struct {
	UserID            points.UserID `json:"user_id"`
	TotalPoints       int64         `json:"total_points"`
	AvailablePoints   int64         `json:"available_points"`
	Level             LevelDTO      `json:"level"`
	NextLevel         *LevelDTO     `json:"next_level,omitempty"`
	PointsToNextLevel int64         `json:"points_to_next_level"`
	DailyCap          int64         `json:"daily_cap"`
	TodayEarned       int64         `json:"today_earned"`
	RemainingDailyCap int64         `json:"remaining_daily_cap"`
	LastEarnedDate    string        `json:"last_earned_date,omitempty"`
	UpdatedAt         *time.Time    `json:"updated_at,omitempty"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO is one ledger entry.
type TransactionDTO struct {
	ID              int64          `json:"id"`
	UserID          points.UserID  `json:"user_id"`
	Type            string         `json:"type"`
	Category        string         `json:"category"`
	Points          int64          `json:"points"`
	RequestedPoints int64          `json:"requested_points"`
	Truncated       bool           `json:"truncated,omitempty"`
	BalanceAfter    int64          `json:"balance_after"`
	TotalAfter      int64          `json:"total_after"`
	ReferenceID     string         `json:"reference_id,omitempty"`
	ReferenceType   string         `json:"reference_type,omitempty"`
	Description     string         `json:"description,omitempty"`
	AdminID         *points.UserID `json:"admin_id,omitempty"`
	EarnedOn        string         `json:"earned_on,omitempty"`
	Hash            string         `json:"hash"`
	CreatedAt       time.Time      `json:"created_at"`
}

// TransactionsResponse is a page of history.
type TransactionsResponse struct {
	UserID       points.UserID    `json:"user_id"`
	Transactions []TransactionDTO `json:"transactions"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

// WriteResponse is returned by every write endpoint.
type WriteResponse struct {
	Transaction TransactionDTO  `json:"transaction"`
	Balance     *BalanceDTO     `json:"balance,omitempty"`
	LevelChange *LevelChangeDTO `json:"level_change,omitempty"`
}

type LevelChangeDTO struct {
	OldLevel int  `json:"old_level"`
	NewLevel int  `json:"new_level"`
	Promoted bool `json:"promoted"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// UsePointsRequest redeems the caller's available points.
type UsePointsRequest struct {
	Points         int64  `json:"points"`
	ReferenceID    string `json:"reference_id,omitempty"`
	ReferenceType  string `json:"reference_type,omitempty"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CreditRequest is the internal service credit. Points defaults to the
// type's default amount when zero.
type CreditRequest struct {
	UserID         points.UserID `json:"user_id"`
	Type           string        `json:"type"`
	Points         int64         `json:"points,omitempty"`
	ReferenceID    string        `json:"reference_id,omitempty"`
	ReferenceType  string        `json:"reference_type,omitempty"`
	Description    string        `json:"description,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// AdjustRequest is an admin grant (positive) or deduction (negative).
type AdjustRequest struct {
	UserID         points.UserID `json:"user_id"`
	Points         int64         `json:"points"`
	Reason         string        `json:"reason"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
}

// =============================================================================
// STATISTICS
// =============================================================================

type RankingEntryDTO struct {
	Rank        int           `json:"rank"`
	UserID      points.UserID `json:"user_id"`
	TotalPoints int64         `json:"total_points"`
	Level       LevelDTO      `json:"level"`
}

type RankingResponse struct {
	Ranking []RankingEntryDTO `json:"ranking"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
}

// UsersByLevelResponse lists users at MinLevel or above.
type UsersByLevelResponse struct {
	MinLevel int               `json:"min_level"`
	Users    []RankingEntryDTO `json:"users"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func toRankingDTOs(ranked []points.RankedBalance) []RankingEntryDTO {
	out := make([]RankingEntryDTO, len(ranked))
	for i, rb := range ranked {
		out[i] = RankingEntryDTO{
			Rank:        rb.Rank,
			UserID:      rb.Balance.UserID,
			TotalPoints: rb.Balance.TotalPoints,
			Level:       toLevelDTO(rb.Level),
		}
	}
	return out
}

type LevelCountDTO struct {
	Level LevelDTO `json:"level"`
	Users int64    `json:"users"`
}

type StatisticsDTO struct {
	Users           int64           `json:"users"`
	TotalPoints     int64           `json:"total_points"`
	AvailablePoints int64           `json:"available_points"`
	AveragePoints   decimal.Decimal `json:"average_points"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileDTO struct {
	UserID        points.UserID `json:"user_id"`
	Entries       int           `json:"entries"`
	Drift         bool          `json:"drift"`
	Repaired      bool          `json:"repaired"`
	LiveTotal     int64         `json:"live_total"`
	LiveAvailable int64         `json:"live_available"`
	ReplayTotal   int64         `json:"replay_total"`
	ReplayAvail   int64         `json:"replay_available"`
	LiveLevel     int           `json:"live_level"`
	ReplayLevel   int           `json:"replay_level"`
	ChainError    string        `json:"chain_error,omitempty"`
}

// ReconciliationRunDTO summarizes one scheduler pass.
type ReconciliationRunDTO struct {
	ID          string     `json:"id"`
	Trigger     string     `json:"trigger"`
	Status      string     `json:"status"`
	Users       int        `json:"users"`
	Drifted     int        `json:"drifted"`
	Repaired    int        `json:"repaired"`
	ChainErrors int        `json:"chain_errors"`
	Failed      int        `json:"failed"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toLevelDTO(l points.Level) LevelDTO {
	return LevelDTO{
		Level:       l.Number,
		Name:        l.Name,
		MinPoints:   l.MinPoints,
		DailyCap:    l.DailyCap,
		Description: l.Description,
	}
}

func toBalanceDTO(v points.BalanceView) BalanceDTO {
	dto := BalanceDTO{
		UserID:            v.UserID,
		TotalPoints:       v.TotalPoints,
		AvailablePoints:   v.AvailablePoints,
		Level:             toLevelDTO(v.Level),
		PointsToNextLevel: v.PointsToNextLevel,
		DailyCap:          v.DailyCap,
		TodayEarned:       v.TodayEarned,
		RemainingDailyCap: v.RemainingDailyCap,
		LastEarnedDate:    v.LastEarnedDate.String(),
	}
	if v.NextLevel != nil {
		next := toLevelDTO(*v.NextLevel)
		dto.NextLevel = &next
	}
	if v.Exists {
		updated := v.UpdatedAt
		dto.UpdatedAt = &updated
	}
	return dto
}

func toTransactionDTO(e points.Entry) TransactionDTO {
	return TransactionDTO{
		ID:              e.ID,
		UserID:          e.UserID,
		Type:            string(e.Type),
		Category:        string(e.Type.Category()),
		Points:          e.Points,
		RequestedPoints: e.RequestedPoints,
		Truncated:       e.Truncated(),
		BalanceAfter:    e.BalanceAfter,
		TotalAfter:      e.TotalAfter,
		ReferenceID:     e.ReferenceID,
		ReferenceType:   e.ReferenceType,
		Description:     e.Description,
		AdminID:         e.AdminID,
		EarnedOn:        e.EarnedOn.String(),
		Hash:            e.Hash,
		CreatedAt:       e.CreatedAt,
	}
}

func toTransactionDTOs(entries []points.Entry) []TransactionDTO {
	out := make([]TransactionDTO, len(entries))
	for i, e := range entries {
		out[i] = toTransactionDTO(e)
	}
	return out
}

func toReconcileDTO(r points.ReconcileReport) ReconcileDTO {
	dto := ReconcileDTO{
		UserID:        r.UserID,
		Entries:       r.Entries,
		Drift:         r.Drift,
		Repaired:      r.Repaired,
		LiveTotal:     r.Live.TotalPoints,
		LiveAvailable: r.Live.AvailablePoints,
		ReplayTotal:   r.Replayed.TotalPoints,
		ReplayAvail:   r.Replayed.AvailablePoints,
		LiveLevel:     r.Live.CurrentLevel,
		ReplayLevel:   r.Replayed.CurrentLevel,
	}
	if r.ChainErr != nil {
		dto.ChainError = r.ChainErr.Error()
	}
	return dto
}

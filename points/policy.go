/*
policy.go - Daily cap and ledger policy

PURPOSE:
  Holds the knobs of the ledger (level table, cap override, negative
  adjustment switch, timezone, retry and timeout budgets) and the pure
  cap decision used for every earn-category credit.

DAILY CAP:
  The cap is keyed to the calendar date in the policy's timezone. On the
  first earn of a new date the counter resets before the cap is applied.

    remaining = cap - dailyAfterReset
    effective = max(0, min(proposed, remaining))

  Exhausted caps are not errors: the credit is applied with 0 points.

SEE ALSO:
  - level.go: Per-level caps
  - ledger.go: Applies the decision
*/
package points

import (
	"fmt"
	"time"
)

// =============================================================================
// POLICY
// =============================================================================

type Policy struct {
	Levels LevelTable

	// DailyCap overrides the per-level caps when > 0.
	DailyCap int64

	// AllowNegativeAdjustment lets admin deductions push available points
	// below zero. Off by default: negative adjustments clamp at 0.
	AllowNegativeAdjustment bool

	// Location defines the calendar day. Defaults to UTC.
	Location *time.Location

	// MaxRetries bounds version-conflict retries per write.
	MaxRetries int

	// LockTimeout bounds the wait for the per-user lock. 0 waits for ctx only.
	LockTimeout time.Duration

	// HookTimeout bounds a promotion hook call.
	HookTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Levels:      DefaultLevels(),
		Location:    time.UTC,
		MaxRetries:  3,
		LockTimeout: 5 * time.Second,
		HookTimeout: 3 * time.Second,
	}
}

func (p Policy) Validate() error {
	if err := p.Levels.Validate(); err != nil {
		return fmt.Errorf("invalid level table: %w", err)
	}
	if p.DailyCap < 0 {
		return fmt.Errorf("daily cap must not be negative, got %d", p.DailyCap)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries)
	}
	if p.LockTimeout < 0 || p.HookTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

func (p Policy) location() *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

// Today returns the policy-local calendar date of now.
func (p Policy) Today(now time.Time) Date {
	return DateOf(now.In(p.location()))
}

// DailyCapFor returns the earn cap of a level.
func (p Policy) DailyCapFor(level int) int64 {
	if p.DailyCap > 0 {
		return p.DailyCap
	}
	if l, ok := p.Levels.Lookup(level); ok {
		return l.DailyCap
	}
	return p.Levels.Lowest().DailyCap
}

// RemainingDailyCap is what the user can still earn today.
func (p Policy) RemainingDailyCap(b Balance, today Date) int64 {
	earned := b.DailyEarnedPoints
	if !b.LastEarnedDate.Equal(today) {
		earned = 0
	}
	return max(0, p.DailyCapFor(b.CurrentLevel)-earned)
}

// =============================================================================
// CREDIT DECISION - Pure cap computation
// =============================================================================

type CreditDecision struct {
	Effective      int64
	DailyEarned    int64
	LastEarnedDate Date
	Reset          bool // the daily counter rolled over
	Truncated      bool // Effective < proposed
}

// ComputeEffectiveCredit decides how much of a proposed credit is applied.
// Non-earn types pass through untouched and leave the daily fields alone.
func ComputeEffectiveCredit(b Balance, proposed int64, txType TransactionType, today Date, dailyCap int64) CreditDecision {
	if !txType.IsEarn() {
		return CreditDecision{
			Effective:      proposed,
			DailyEarned:    b.DailyEarnedPoints,
			LastEarnedDate: b.LastEarnedDate,
		}
	}

	d := CreditDecision{
		DailyEarned:    b.DailyEarnedPoints,
		LastEarnedDate: b.LastEarnedDate,
	}
	if !b.LastEarnedDate.Equal(today) {
		d.Reset = true
		d.DailyEarned = 0
		d.LastEarnedDate = today
	}

	remaining := max(0, dailyCap-d.DailyEarned)
	d.Effective = max(0, min(proposed, remaining))
	d.Truncated = d.Effective < proposed
	if d.Effective > 0 {
		d.DailyEarned += d.Effective
		d.LastEarnedDate = today
	}
	return d
}

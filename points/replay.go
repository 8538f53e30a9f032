/*
replay.go - Rebuilding balances from the entry history

PURPOSE:
  The Balance row is a cache. Replay folds a user's entries (ordered by
  ID) back into a Balance so the cache can be checked and repaired.

REPLAY RULES:
  available += entry.Points                  (every entry)
  total     += entry.Points                  (earn, grant, admin)
  daily      reset when entry.EarnedOn moves (earn entries only)
  level      = ComputeLevel(total)

  Zero-point earn entries are kept in the history, so a day rollover that
  granted nothing is still visible to replay.

CHAIN VERIFICATION:
  VerifyChain checks ordering, the hash chain and the running
  BalanceAfter/TotalAfter figures. The first mismatch is reported.

SEE ALSO:
  - ledger.go: Writes the entries replayed here
  - api/scheduler.go: Periodic reconciliation
*/
package points

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Replay folds entries into a Balance. Version is left at 0.
func Replay(userID UserID, entries []Entry, levels LevelTable) Balance {
	b := Balance{UserID: userID, CurrentLevel: levels.Lowest().Number}
	for i, e := range entries {
		if i == 0 {
			b.CreatedAt = e.CreatedAt
		}
		b.AvailablePoints += e.Points
		if e.Type.CountsTowardTotal() {
			b.TotalPoints += e.Points
		}
		if e.Type.IsEarn() {
			if !e.EarnedOn.Equal(b.LastEarnedDate) {
				b.DailyEarnedPoints = 0
				b.LastEarnedDate = e.EarnedOn
			}
			b.DailyEarnedPoints += e.Points
		}
		b.LastEntryHash = e.Hash
		b.UpdatedAt = e.CreatedAt
	}
	b.CurrentLevel = levels.ComputeLevel(b.TotalPoints).Number
	return b
}

// VerifyChain returns a *ChainError for the first inconsistent entry.
func VerifyChain(userID UserID, entries []Entry) error {
	var (
		prevID    int64
		prevHash  string
		available int64
		total     int64
	)
	for _, e := range entries {
		fail := func(format string, args ...any) error {
			return &ChainError{UserID: userID, EntryID: e.ID, Reason: fmt.Sprintf(format, args...)}
		}
		if e.UserID != userID {
			return fail("belongs to user %d", e.UserID)
		}
		if e.ID <= prevID {
			return fail("id not increasing (previous %d)", prevID)
		}
		if e.PrevHash != prevHash {
			return fail("previous hash mismatch")
		}
		if e.Hash != e.ComputeHash() {
			return fail("hash mismatch")
		}
		available += e.Points
		if e.Type.CountsTowardTotal() {
			total += e.Points
		}
		if e.BalanceAfter != available {
			return fail("balance after %d, replay gives %d", e.BalanceAfter, available)
		}
		if e.TotalAfter != total {
			return fail("total after %d, replay gives %d", e.TotalAfter, total)
		}
		prevID, prevHash = e.ID, e.Hash
	}
	return nil
}

// Replay rebuilds the user's balance from storage.
func (l *Ledger) Replay(ctx context.Context, userID UserID) (Balance, error) {
	entries, err := l.store.Entries(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("failed to load entries for user %d: %w", userID, err)
	}
	return Replay(userID, entries, l.policy.Levels), nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileReport struct {
	UserID   UserID
	Live     Balance
	Replayed Balance
	Entries  int
	Drift    bool
	Repaired bool

	// ChainErr is set when the history itself fails verification. Such
	// balances are never repaired automatically.
	ChainErr error
}

// Reconcile compares the stored aggregate with a replay of the history and,
// when repair is set, overwrites a drifted aggregate with the replay. It runs
// under the user lock.
func (l *Ledger) Reconcile(ctx context.Context, userID UserID, repair bool) (ReconcileReport, error) {
	release, err := l.locks.Lock(ctx, userID, l.policy.LockTimeout)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	defer release()

	report := ReconcileReport{UserID: userID}
	// Once locked, the check and repair finish even if the caller goes away.
	dctx := context.WithoutCancel(ctx)
	err = l.store.WithTx(dctx, func(s Store) error {
		live, found, err := s.LoadBalance(dctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load balance: %w", err)
		}
		entries, err := s.Entries(dctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load entries: %w", err)
		}

		replayed := Replay(userID, entries, l.policy.Levels)
		report.Entries = len(entries)
		report.Replayed = replayed
		if found {
			report.Live = live
		} else {
			report.Live = NewBalance(userID, l.policy.Levels, replayed.CreatedAt)
		}
		report.ChainErr = VerifyChain(userID, entries)
		report.Drift = !report.Live.SameState(replayed)

		if !report.Drift || !repair || report.ChainErr != nil || len(entries) == 0 {
			return nil
		}

		fixed := replayed
		fixed.Version = live.Version
		if found {
			fixed.CreatedAt = live.CreatedAt
		}
		fixed.UpdatedAt = l.now()
		if err := s.SaveBalance(dctx, &fixed); err != nil {
			return fmt.Errorf("failed to save repaired balance: %w", err)
		}
		report.Repaired = true
		report.Replayed = fixed
		return nil
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	if report.Drift {
		l.log.WithFields(logrus.Fields{
			"user_id":          userID,
			"live_total":       report.Live.TotalPoints,
			"replay_total":     report.Replayed.TotalPoints,
			"live_available":   report.Live.AvailablePoints,
			"replay_available": report.Replayed.AvailablePoints,
			"repaired":         report.Repaired,
		}).Warn("balance drift detected")
	}
	if report.ChainErr != nil {
		l.log.WithField("user_id", userID).WithError(report.ChainErr).Error("ledger chain verification failed")
	}
	return report, nil
}

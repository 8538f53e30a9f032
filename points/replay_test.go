package points_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/points/store"
)

func mixedHistory(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	f.earn(t, 1, 60)
	f.earn(t, 1, 60)
	f.clock.Advance(24 * time.Hour)
	f.earn(t, 1, 30)
	f.grant(t, 1, 500)
	_, err := f.ledger.Spend(ctx, points.SpendRequest{UserID: 1, Points: 200})
	require.NoError(t, err)
	_, err = f.ledger.AdminAdjust(ctx, points.AdjustRequest{UserID: 1, AdminID: 9, Points: -100, Reason: "cleanup"})
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)
	f.earn(t, 1, 5)
}

func TestReplay_MatchesLiveState(t *testing.T) {
	f := newFixture(t)
	mixedHistory(t, f)

	live, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	replayed, err := f.ledger.Replay(context.Background(), 1)
	require.NoError(t, err)

	assert.True(t, replayed.SameState(live.Balance), "live %+v\nreplay %+v", live.Balance, replayed)
	// 100 + 30 + 500 - 100 + 5
	assert.Equal(t, int64(535), replayed.TotalPoints)
	// 535 - 200
	assert.Equal(t, int64(335), replayed.AvailablePoints)
	assert.Equal(t, int64(5), replayed.DailyEarnedPoints)
}

func TestReplay_AvailableEqualsLastBalanceAfter(t *testing.T) {
	f := newFixture(t)
	mixedHistory(t, f)

	entries := f.entries(t, 1)
	var sum int64
	for _, e := range entries {
		sum += e.Points
	}
	last := entries[len(entries)-1]
	assert.Equal(t, sum, last.BalanceAfter)
	assert.NoError(t, points.VerifyChain(1, entries))
}

func TestReplay_EmptyHistory(t *testing.T) {
	b := points.Replay(5, nil, points.DefaultLevels())

	assert.Equal(t, points.UserID(5), b.UserID)
	assert.Equal(t, 1, b.CurrentLevel)
	assert.True(t, b.LastEarnedDate.IsZero())
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	f := newFixture(t)
	mixedHistory(t, f)
	entries := f.entries(t, 1)

	tampered := append([]points.Entry{}, entries...)
	tampered[2].Points += 50
	err := points.VerifyChain(1, tampered)
	require.ErrorIs(t, err, points.ErrChainBroken)
	var ce *points.ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, entries[2].ID, ce.EntryID)

	dropped := append(append([]points.Entry{}, entries[:1]...), entries[2:]...)
	assert.ErrorIs(t, points.VerifyChain(1, dropped), points.ErrChainBroken)
}

func TestReconcile_RepairsDrift(t *testing.T) {
	f := newFixture(t)
	mixedHistory(t, f)
	ctx := context.Background()

	live, found, err := f.store.LoadBalance(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	drifted := live
	drifted.AvailablePoints += 999
	f.store.Overwrite(drifted)

	// WHEN: Checking without repair
	report, err := f.ledger.Reconcile(ctx, 1, false)
	require.NoError(t, err)

	// THEN: Drift is reported, nothing changes
	assert.True(t, report.Drift)
	assert.False(t, report.Repaired)
	assert.NoError(t, report.ChainErr)
	stored, _, _ := f.store.LoadBalance(ctx, 1)
	assert.Equal(t, drifted.AvailablePoints, stored.AvailablePoints)

	// WHEN: Repairing
	report, err = f.ledger.Reconcile(ctx, 1, true)
	require.NoError(t, err)

	// THEN: The aggregate matches the history again
	assert.True(t, report.Repaired)
	stored, _, _ = f.store.LoadBalance(ctx, 1)
	assert.Equal(t, live.AvailablePoints, stored.AvailablePoints)
	assert.Equal(t, live.Version+1, stored.Version)

	report, err = f.ledger.Reconcile(ctx, 1, false)
	require.NoError(t, err)
	assert.False(t, report.Drift)

	// Writes keep working after the repair
	f.grant(t, 1, 1)
}

// cancellingStore cancels the caller's context as the transaction opens and
// hands out a store that refuses cancelled contexts.
type cancellingStore struct {
	*store.TxMemory
	cancel context.CancelFunc
}

func (c *cancellingStore) WithTx(ctx context.Context, fn func(points.Store) error) error {
	c.cancel()
	return c.TxMemory.WithTx(ctx, func(s points.Store) error {
		return fn(ctxCheckedStore{s})
	})
}

type ctxCheckedStore struct{ points.Store }

func (s ctxCheckedStore) LoadBalance(ctx context.Context, id points.UserID) (points.Balance, bool, error) {
	if err := ctx.Err(); err != nil {
		return points.Balance{}, false, err
	}
	return s.Store.LoadBalance(ctx, id)
}

func (s ctxCheckedStore) Entries(ctx context.Context, id points.UserID) ([]points.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Entries(ctx, id)
}

func (s ctxCheckedStore) SaveBalance(ctx context.Context, b *points.Balance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.SaveBalance(ctx, b)
}

func TestReconcile_RepairFinishesAfterCallerCancels(t *testing.T) {
	// GIVEN: A drifted balance and a caller that goes away once the lock is held
	f := newFixture(t)
	mixedHistory(t, f)
	live, _, err := f.store.LoadBalance(context.Background(), 1)
	require.NoError(t, err)
	drifted := live
	drifted.TotalPoints += 50
	f.store.Overwrite(drifted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger, err := points.NewLedger(&cancellingStore{TxMemory: f.store, cancel: cancel}, points.DefaultPolicy(),
		points.WithClock(f.clock), points.WithLogger(quietLogger()))
	require.NoError(t, err)

	// WHEN: Repairing
	report, err := ledger.Reconcile(ctx, 1, true)

	// THEN: The repair completes despite the cancellation
	require.NoError(t, err)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.True(t, report.Repaired)
	stored, _, err := f.store.LoadBalance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, live.TotalPoints, stored.TotalPoints)
}

func TestReconcile_UnknownUserHasNoDrift(t *testing.T) {
	f := newFixture(t)

	report, err := f.ledger.Reconcile(context.Background(), 77, true)

	require.NoError(t, err)
	assert.False(t, report.Drift)
	assert.Zero(t, report.Entries)
}

package sqlite_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestLedger(t *testing.T, store points.TxStore) (*points.Ledger, *points.ManualClock) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	clock := points.NewManualClock(time.Date(2025, time.March, 10, 9, 0, 0, 123456789, time.UTC))
	ledger, err := points.NewLedger(store, points.DefaultPolicy(), points.WithClock(clock), points.WithLogger(log))
	require.NoError(t, err)
	return ledger, clock
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestSQLite_LedgerRoundTrip(t *testing.T) {
	// GIVEN: A ledger on SQLite with a mixed history
	store := newTestStore(t)
	ledger, clock := newTestLedger(t, store)
	ctx := context.Background()

	_, err := ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 60, Type: points.TxPostCreate, ReferenceID: "p1", ReferenceType: "POST"})
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 60, Type: points.TxPostCreate})
	require.NoError(t, err)
	clock.Advance(24 * time.Hour)
	_, err = ledger.Spend(ctx, points.SpendRequest{UserID: 1, Points: 30})
	require.NoError(t, err)
	_, err = ledger.AdminAdjust(ctx, points.AdjustRequest{UserID: 1, AdminID: 5, Points: -500, Reason: "reset"})
	require.NoError(t, err)

	// WHEN: Reading back
	view, err := ledger.Balance(ctx, 1)
	require.NoError(t, err)
	entries, err := store.Entries(ctx, 1)
	require.NoError(t, err)

	// THEN: Stored state matches replay and the hash chain survives the round trip
	require.Len(t, entries, 4)
	assert.Equal(t, int64(40), entries[1].Points)
	assert.Equal(t, "p1", entries[0].ReferenceID)
	require.NotNil(t, entries[3].AdminID)
	assert.Equal(t, points.UserID(5), *entries[3].AdminID)
	assert.Equal(t, int64(-500), entries[3].RequestedPoints)
	assert.Equal(t, int64(-70), entries[3].Points)

	assert.NoError(t, points.VerifyChain(1, entries))
	replayed := points.Replay(1, entries, points.DefaultLevels())
	assert.True(t, replayed.SameState(view.Balance), "live %+v\nreplay %+v", view.Balance, replayed)
	assert.Equal(t, int64(0), view.AvailablePoints)
	assert.Equal(t, int64(30), view.TotalPoints)
	assert.Equal(t, int64(4), view.Version)
}

func TestSQLite_SaveBalanceVersionCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	b := points.Balance{UserID: 1, CurrentLevel: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.SaveBalance(ctx, &b))
	assert.Equal(t, int64(1), b.Version)

	dup := points.Balance{UserID: 1, CurrentLevel: 1, CreatedAt: now, UpdatedAt: now}
	assert.ErrorIs(t, store.SaveBalance(ctx, &dup), points.ErrConcurrencyConflict)

	stale := b
	b.TotalPoints = 10
	require.NoError(t, store.SaveBalance(ctx, &b))
	assert.ErrorIs(t, store.SaveBalance(ctx, &stale), points.ErrConcurrencyConflict)

	got, found, err := store.LoadBalance(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, int64(10), got.TotalPoints)
}

func TestSQLite_IdempotencyKey(t *testing.T) {
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store)
	ctx := context.Background()
	req := points.CreditRequest{UserID: 1, Points: 10, Type: points.TxPostCreate, IdempotencyKey: "post:7"}

	first, err := ledger.Credit(ctx, req)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, req)
	require.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)

	// A direct append with the same key also fails
	e := first.Entry
	e.ID = 0
	err = store.AppendEntry(ctx, &e)
	assert.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
}

func TestSQLite_EntriesAreAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store)
	ctx := context.Background()
	_, err := ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 10, Type: points.TxPostCreate})
	require.NoError(t, err)

	err = store.ExecRaw(ctx, `UPDATE point_entries SET points = 1000`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	err = store.ExecRaw(ctx, `DELETE FROM point_entries`)
	require.Error(t, err)

	entries, err := store.Entries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].Points)
}

func TestSQLite_History(t *testing.T) {
	store := newTestStore(t)
	ledger, clock := newTestLedger(t, store)
	ctx := context.Background()
	start := clock.Now().Truncate(time.Second)

	for i := 0; i < 5; i++ {
		_, err := ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 1, Type: points.TxCommentCreate})
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	_, err := ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 50, Type: points.TxEventBonus})
	require.NoError(t, err)

	page, err := ledger.History(ctx, points.HistoryQuery{UserID: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, points.TxEventBonus, page[0].Type)
	assert.Greater(t, page[0].ID, page[1].ID)

	window, err := ledger.History(ctx, points.HistoryQuery{UserID: 1, From: start.Add(time.Hour), To: start.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	typed, err := ledger.History(ctx, points.HistoryQuery{UserID: 1, Types: []points.TransactionType{points.TxEventBonus}})
	require.NoError(t, err)
	assert.Len(t, typed, 1)
}

func TestSQLite_Statistics(t *testing.T) {
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store)
	ctx := context.Background()

	for user, pts := range map[points.UserID]int64{1: 50, 2: 150, 3: 700} {
		_, err := ledger.Credit(ctx, points.CreditRequest{UserID: user, Points: pts, Type: points.TxEventBonus})
		require.NoError(t, err)
	}

	ranking, err := ledger.Ranking(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, ranking, 3)
	assert.Equal(t, points.UserID(3), ranking[0].Balance.UserID)
	assert.Equal(t, points.UserID(1), ranking[2].Balance.UserID)

	stats, err := ledger.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Users)
	assert.Equal(t, int64(900), stats.TotalPoints)
	assert.Equal(t, "300", stats.AveragePoints.String())

	counts, err := ledger.LevelCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[0].Users)
	assert.Equal(t, int64(1), counts[1].Users)
	assert.Equal(t, int64(1), counts[2].Users)

	ids, err := store.UserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []points.UserID{1, 2, 3}, ids)
}

func TestSQLite_UsersByLevel(t *testing.T) {
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store)
	ctx := context.Background()

	for user, pts := range map[points.UserID]int64{1: 50, 2: 150, 3: 700, 4: 150} {
		_, err := ledger.Credit(ctx, points.CreditRequest{UserID: user, Points: pts, Type: points.TxEventBonus})
		require.NoError(t, err)
	}

	upper, err := ledger.UsersByLevel(ctx, 2, 10, 0)
	require.NoError(t, err)
	require.Len(t, upper, 3)
	assert.Equal(t, points.UserID(3), upper[0].Balance.UserID)
	assert.Equal(t, points.UserID(2), upper[1].Balance.UserID)
	assert.Equal(t, points.UserID(4), upper[2].Balance.UserID)

	page, err := store.UsersAtOrAboveLevel(ctx, 2, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, points.UserID(4), page[0].UserID)

	none, err := store.UsersAtOrAboveLevel(ctx, 5, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_CorruptTimestampsAreReported(t *testing.T) {
	// GIVEN: A user whose rows carry unparseable timestamps
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store)
	ctx := context.Background()
	_, err := ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 10, Type: points.TxPostCreate})
	require.NoError(t, err)

	require.NoError(t, store.ExecRaw(ctx, `UPDATE point_balances SET updated_at = 'yesterday' WHERE user_id = 1`))
	require.NoError(t, store.ExecRaw(ctx, `DROP TRIGGER point_entries_no_update`))
	require.NoError(t, store.ExecRaw(ctx, `UPDATE point_entries SET created_at = 'not a time' WHERE user_id = 1`))

	// WHEN: Reading them back
	_, _, balErr := store.LoadBalance(ctx, 1)
	_, entErr := store.Entries(ctx, 1)

	// THEN: Both reads fail instead of returning zero times
	require.Error(t, balErr)
	assert.Contains(t, balErr.Error(), "updated_at")
	require.Error(t, entErr)
	assert.Contains(t, entErr.Error(), "created_at")
}

func TestSQLite_ReconcileRepairsDrift(t *testing.T) {
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store)
	ctx := context.Background()
	_, err := ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 80, Type: points.TxPostCreate})
	require.NoError(t, err)

	require.NoError(t, store.Overwrite(ctx, points.Balance{UserID: 1, TotalPoints: 5, AvailablePoints: 5, CurrentLevel: 1}))

	report, err := ledger.Reconcile(ctx, 1, true)
	require.NoError(t, err)
	assert.True(t, report.Drift)
	assert.True(t, report.Repaired)

	view, err := ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(80), view.TotalPoints)
	assert.Equal(t, int64(80), view.DailyEarnedPoints)
}

func TestSQLite_FileDatabaseSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.db")
	ctx := context.Background()

	store, err := sqlite.New(path)
	require.NoError(t, err)
	ledger, _ := newTestLedger(t, store)
	_, err = ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 25, Type: points.TxPostCreate})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	b, found, err := reopened.LoadBalance(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(25), b.AvailablePoints)
}

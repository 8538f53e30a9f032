package points_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/points/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var morning = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *points.Ledger
	store  *store.TxMemory
	clock  *points.ManualClock
	hook   *recordingHook
	obs    *recordingObserver
}

func newFixture(t *testing.T, tweaks ...func(*points.Policy)) *fixture {
	t.Helper()
	policy := points.DefaultPolicy()
	for _, tweak := range tweaks {
		tweak(&policy)
	}
	return newFixtureWithStore(t, store.NewTxMemory(), policy)
}

func newFixtureWithStore(t *testing.T, s *store.TxMemory, policy points.Policy) *fixture {
	t.Helper()
	f := &fixture{
		store: s,
		clock: points.NewManualClock(morning),
		hook:  &recordingHook{},
		obs:   &recordingObserver{},
	}
	ledger, err := points.NewLedger(s, policy,
		points.WithClock(f.clock),
		points.WithPromotionHook(f.hook),
		points.WithObserver(f.obs),
		points.WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	f.ledger = ledger
	return f
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func (f *fixture) earn(t *testing.T, user points.UserID, pts int64) points.Result {
	t.Helper()
	res, err := f.ledger.Credit(context.Background(), points.CreditRequest{
		UserID: user,
		Points: pts,
		Type:   points.TxPostCreate,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) grant(t *testing.T, user points.UserID, pts int64) points.Result {
	t.Helper()
	res, err := f.ledger.Credit(context.Background(), points.CreditRequest{
		UserID: user,
		Points: pts,
		Type:   points.TxEventBonus,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) entries(t *testing.T, user points.UserID) []points.Entry {
	t.Helper()
	entries, err := f.store.Entries(context.Background(), user)
	require.NoError(t, err)
	return entries
}

type recordingHook struct {
	mu    sync.Mutex
	calls []points.LevelChange
	err   error
	block chan struct{}
}

func (h *recordingHook) OnLevelChange(_ context.Context, c points.LevelChange) error {
	h.mu.Lock()
	h.calls = append(h.calls, c)
	block, err := h.block, h.err
	h.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (h *recordingHook) Calls() []points.LevelChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]points.LevelChange{}, h.calls...)
}

type recordingObserver struct {
	written   atomic.Int64
	truncated atomic.Int64
	retried   atomic.Int64
	levels    atomic.Int64
	failed    atomic.Int64
}

func (o *recordingObserver) EntryWritten(points.Entry) { o.written.Add(1) }
func (o *recordingObserver) CapTruncated(points.Entry) { o.truncated.Add(1) }
func (o *recordingObserver) ConflictRetried(points.UserID) { o.retried.Add(1) }
func (o *recordingObserver) LevelChanged(points.LevelChange) { o.levels.Add(1) }
func (o *recordingObserver) PromotionFailed(points.LevelChange, error) { o.failed.Add(1) }

// =============================================================================
// DAILY CAP
// =============================================================================

func TestCredit_DailyCapTruncatesSecondCredit(t *testing.T) {
	// GIVEN: Level 1 user, daily cap 100
	f := newFixture(t)

	// WHEN: Two credits of 60 on the same day
	first := f.earn(t, 1, 60)
	second := f.earn(t, 1, 60)

	// THEN: The second one is truncated to 40
	assert.Equal(t, int64(60), first.Balance.DailyEarnedPoints)
	assert.Equal(t, int64(40), second.Entry.Points)
	assert.Equal(t, int64(60), second.Entry.RequestedPoints)
	assert.Equal(t, int64(100), second.Balance.DailyEarnedPoints)
	assert.Equal(t, int64(100), second.Balance.TotalPoints)
	assert.Equal(t, int64(100), second.Entry.BalanceAfter)
	assert.Equal(t, int64(1), f.obs.truncated.Load())
}

func TestCredit_CapResetsNextDay(t *testing.T) {
	f := newFixture(t)
	f.earn(t, 1, 60)
	f.earn(t, 1, 60)

	// WHEN: The clock moves to the next calendar day
	f.clock.Advance(24 * time.Hour)
	res := f.earn(t, 1, 60)

	// THEN: The full 60 is granted and the counter restarts
	assert.Equal(t, int64(60), res.Entry.Points)
	assert.Equal(t, int64(60), res.Balance.DailyEarnedPoints)
	assert.Equal(t, points.DateOf(f.clock.Now()), res.Balance.LastEarnedDate)
	assert.Equal(t, int64(160), res.Balance.TotalPoints)
}

func TestCredit_ExhaustedCapWritesZeroEntry(t *testing.T) {
	f := newFixture(t)
	f.earn(t, 1, 100)

	res := f.earn(t, 1, 10)

	assert.Equal(t, int64(0), res.Entry.Points)
	assert.Equal(t, int64(10), res.Entry.RequestedPoints)
	assert.True(t, res.Entry.Truncated())
	assert.Len(t, f.entries(t, 1), 2, "zero-point entries are kept for audit")
}

func TestCredit_GrantBypassesCap(t *testing.T) {
	f := newFixture(t)
	f.earn(t, 1, 100)

	res := f.grant(t, 1, 300)

	assert.Equal(t, int64(300), res.Entry.Points)
	assert.Equal(t, int64(400), res.Balance.TotalPoints)
	assert.Equal(t, int64(100), res.Balance.DailyEarnedPoints)
}

func TestCredit_CapFollowsLevel(t *testing.T) {
	// GIVEN: A level 3 user (cap 200)
	f := newFixture(t)
	f.grant(t, 1, 500)

	res := f.earn(t, 1, 250)

	assert.Equal(t, int64(200), res.Entry.Points)
}

func TestCredit_PolicyOverrideCap(t *testing.T) {
	f := newFixture(t, func(p *points.Policy) { p.DailyCap = 30 })

	res := f.earn(t, 1, 50)

	assert.Equal(t, int64(30), res.Entry.Points)
}

func TestCredit_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 0, Type: points.TxPostCreate})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)

	_, err = f.ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: -5, Type: points.TxPostCreate})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)

	_, err = f.ledger.Credit(ctx, points.CreditRequest{UserID: 1, Points: 5, Type: points.TxSpamPenalty})
	assert.ErrorIs(t, err, points.ErrInvalidTransactionType)
	assert.True(t, points.IsClientError(err))

	assert.Empty(t, f.entries(t, 1))
}

// =============================================================================
// DEBITS
// =============================================================================

func TestSpend_InsufficientPointsLeavesStateUntouched(t *testing.T) {
	// GIVEN: 30 available points
	f := newFixture(t)
	f.earn(t, 1, 30)
	before, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)

	// WHEN: Spending 50
	_, err = f.ledger.Spend(context.Background(), points.SpendRequest{UserID: 1, Points: 50})

	// THEN: Rejected with details, nothing written
	require.ErrorIs(t, err, points.ErrInsufficientPoints)
	var ipe *points.InsufficientPointsError
	require.True(t, errors.As(err, &ipe))
	assert.Equal(t, int64(30), ipe.Available)
	assert.Equal(t, int64(50), ipe.Requested)
	assert.Equal(t, int64(20), ipe.Shortfall())

	after, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, before.Balance, after.Balance)
	assert.Len(t, f.entries(t, 1), 1)
}

func TestSpend_ReducesAvailableOnly(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1, 300)

	res, err := f.ledger.Spend(context.Background(), points.SpendRequest{UserID: 1, Points: 120, Description: "badge"})
	require.NoError(t, err)

	assert.Equal(t, int64(-120), res.Entry.Points)
	assert.Equal(t, points.TxPointUse, res.Entry.Type)
	assert.Equal(t, "badge", res.Entry.Description)
	assert.Equal(t, int64(180), res.Balance.AvailablePoints)
	assert.Equal(t, int64(300), res.Balance.TotalPoints)
	assert.Equal(t, 2, res.Balance.CurrentLevel, "spending never lowers the level")
	assert.Nil(t, res.LevelChange)
}

func TestDeduct_Penalty(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1, 200)

	res, err := f.ledger.Deduct(context.Background(), points.DeductRequest{
		UserID:        1,
		Points:        points.TxSpamPenalty.DefaultPoints(),
		Type:          points.TxSpamPenalty,
		ReferenceID:   "42",
		ReferenceType: "POST",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(150), res.Balance.AvailablePoints)
	assert.Equal(t, "Spam penalty", res.Entry.Description)

	_, err = f.ledger.Deduct(context.Background(), points.DeductRequest{UserID: 1, Points: 5, Type: points.TxEventBonus})
	assert.ErrorIs(t, err, points.ErrInvalidTransactionType)
}

func TestSpend_UnknownUserIsInsufficient(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Spend(context.Background(), points.SpendRequest{UserID: 9, Points: 1})

	assert.ErrorIs(t, err, points.ErrInsufficientPoints)
	_, found, _ := f.store.LoadBalance(context.Background(), 9)
	assert.False(t, found, "failed writes do not materialize a balance")
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

func TestAdminAdjust_NegativeClampsAtZero(t *testing.T) {
	// GIVEN: 100 available points
	f := newFixture(t)
	f.grant(t, 1, 100)

	// WHEN: An admin removes 500
	res, err := f.ledger.AdminAdjust(context.Background(), points.AdjustRequest{
		UserID: 1, AdminID: 7, Points: -500, Reason: "abuse",
	})
	require.NoError(t, err)

	// THEN: Only 100 is removed; the entry shows both amounts
	assert.Equal(t, int64(0), res.Balance.AvailablePoints)
	assert.Equal(t, int64(0), res.Balance.TotalPoints)
	assert.Equal(t, int64(-100), res.Entry.Points)
	assert.Equal(t, int64(-500), res.Entry.RequestedPoints)
	assert.Equal(t, points.TxAdminDeduct, res.Entry.Type)
	require.NotNil(t, res.Entry.AdminID)
	assert.Equal(t, points.UserID(7), *res.Entry.AdminID)
	assert.Equal(t, "abuse", res.Entry.Description)
}

func TestAdminAdjust_NegativeAllowedByPolicy(t *testing.T) {
	f := newFixture(t, func(p *points.Policy) { p.AllowNegativeAdjustment = true })
	f.grant(t, 1, 100)

	res, err := f.ledger.AdminAdjust(context.Background(), points.AdjustRequest{
		UserID: 1, AdminID: 7, Points: -500, Reason: "chargeback",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(-400), res.Balance.AvailablePoints)
	assert.Equal(t, int64(-500), res.Entry.Points)
	assert.False(t, res.Entry.Truncated())
}

func TestAdminAdjust_GrantIsCapExempt(t *testing.T) {
	f := newFixture(t)
	f.earn(t, 1, 100)

	res, err := f.ledger.AdminAdjust(context.Background(), points.AdjustRequest{
		UserID: 1, AdminID: 7, Points: 1000, Reason: "contest winner",
	})
	require.NoError(t, err)

	assert.Equal(t, points.TxAdminGrant, res.Entry.Type)
	assert.Equal(t, int64(1100), res.Balance.TotalPoints)
	assert.Equal(t, 4, res.Balance.CurrentLevel)
}

func TestAdminAdjust_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.AdminAdjust(ctx, points.AdjustRequest{UserID: 1, AdminID: 7, Points: 0, Reason: "x"})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)

	_, err = f.ledger.AdminAdjust(ctx, points.AdjustRequest{UserID: 1, AdminID: 7, Points: 10, Reason: "   "})
	assert.ErrorIs(t, err, points.ErrInvalidAmount)
}

// =============================================================================
// LEVELS & PROMOTION
// =============================================================================

func TestCredit_LevelUpInvokesHookOnce(t *testing.T) {
	f := newFixture(t)
	f.earn(t, 1, 90)

	res := f.grant(t, 1, 20)

	require.NotNil(t, res.LevelChange)
	assert.Equal(t, 2, res.Balance.CurrentLevel)

	calls := f.hook.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, points.UserID(1), calls[0].UserID)
	assert.Equal(t, 1, calls[0].OldLevel)
	assert.Equal(t, 2, calls[0].NewLevel)
	assert.Equal(t, int64(110), calls[0].TotalPoints)
	assert.Equal(t, res.Entry.ID, calls[0].EntryID)
	assert.True(t, calls[0].Promoted())

	// No further calls while the level is unchanged
	f.grant(t, 1, 10)
	assert.Len(t, f.hook.Calls(), 1)
}

func TestCredit_SkipsLevelsInOneStep(t *testing.T) {
	f := newFixture(t)

	res := f.grant(t, 1, 2500)

	require.NotNil(t, res.LevelChange)
	assert.Equal(t, 1, res.LevelChange.OldLevel)
	assert.Equal(t, 5, res.LevelChange.NewLevel)
	assert.Len(t, f.hook.Calls(), 1)
}

func TestCredit_HookFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.hook.err = errors.New("role service down")

	res, err := f.ledger.Credit(context.Background(), points.CreditRequest{
		UserID: 1, Points: 150, Type: points.TxEventBonus,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.Balance.CurrentLevel)
	assert.Len(t, f.entries(t, 1), 1)
	assert.Equal(t, int64(1), f.obs.failed.Load())
}

func TestCredit_SlowHookIsAbandoned(t *testing.T) {
	f := newFixture(t, func(p *points.Policy) { p.HookTimeout = 20 * time.Millisecond })
	f.hook.block = make(chan struct{})
	t.Cleanup(func() { close(f.hook.block) })

	start := time.Now()
	_, err := f.ledger.Credit(context.Background(), points.CreditRequest{
		UserID: 1, Points: 150, Type: points.TxEventBonus,
	})

	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), f.obs.failed.Load())
}

func TestCredit_HookRunsAfterLockRelease(t *testing.T) {
	f := newFixture(t)
	var innerErr error
	done := make(chan struct{})

	// The hook writes to the same user; it would deadlock if the lock were held.
	ledger, err := points.NewLedger(f.store, points.DefaultPolicy(),
		points.WithClock(f.clock),
		points.WithLogger(quietLogger()),
		points.WithPromotionHook(points.HookFunc(func(ctx context.Context, c points.LevelChange) error {
			defer close(done)
			_, innerErr = f.ledger.Spend(ctx, points.SpendRequest{UserID: c.UserID, Points: 1})
			return nil
		})),
	)
	require.NoError(t, err)
	f.ledger = ledger

	_, err = f.ledger.Credit(context.Background(), points.CreditRequest{UserID: 1, Points: 150, Type: points.TxEventBonus})
	require.NoError(t, err)
	<-done
	assert.NoError(t, innerErr)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCredit_IdempotencyKeyReturnsOriginal(t *testing.T) {
	f := newFixture(t)
	req := points.CreditRequest{UserID: 1, Points: 10, Type: points.TxPostCreate, IdempotencyKey: "post:42"}

	first, err := f.ledger.Credit(context.Background(), req)
	require.NoError(t, err)

	second, err := f.ledger.Credit(context.Background(), req)

	require.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)
	var dup *points.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.Entry.ID, dup.Existing.ID)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Len(t, f.entries(t, 1), 1)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCredit_ConcurrentEarnsNeverExceedCap(t *testing.T) {
	f := newFixture(t)
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Credit(context.Background(), points.CreditRequest{
				UserID: 1, Points: 10, Type: points.TxPostCreate,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	view, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), view.TotalPoints)
	assert.Equal(t, int64(100), view.DailyEarnedPoints)

	entries := f.entries(t, 1)
	assert.Len(t, entries, workers)
	replayed := points.Replay(1, entries, f.ledger.Levels())
	assert.True(t, replayed.SameState(view.Balance))
	assert.NoError(t, points.VerifyChain(1, entries))
}

func TestCredit_ConcurrentUsersAreIndependent(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for u := points.UserID(1); u <= 10; u++ {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(u points.UserID) {
				defer wg.Done()
				_, err := f.ledger.Credit(context.Background(), points.CreditRequest{
					UserID: u, Points: 7, Type: points.TxEventBonus,
				})
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	for u := points.UserID(1); u <= 10; u++ {
		view, err := f.ledger.Balance(context.Background(), u)
		require.NoError(t, err)
		assert.Equal(t, int64(35), view.AvailablePoints, "user %d", u)
	}
}

// conflictingStore fails the first N balance saves with a version conflict.
type conflictingStore struct {
	*store.TxMemory
	failures atomic.Int32
}

func (c *conflictingStore) WithTx(ctx context.Context, fn func(points.Store) error) error {
	return c.TxMemory.WithTx(ctx, func(s points.Store) error {
		return fn(&conflictingView{Store: s, parent: c})
	})
}

type conflictingView struct {
	points.Store
	parent *conflictingStore
}

func (v *conflictingView) SaveBalance(ctx context.Context, b *points.Balance) error {
	if v.parent.failures.Add(-1) >= 0 {
		return points.ErrConcurrencyConflict
	}
	return v.Store.SaveBalance(ctx, b)
}

func TestCredit_RetriesVersionConflicts(t *testing.T) {
	s := &conflictingStore{TxMemory: store.NewTxMemory()}
	s.failures.Store(2)
	obs := &recordingObserver{}
	ledger, err := points.NewLedger(s, points.DefaultPolicy(), points.WithObserver(obs), points.WithLogger(quietLogger()))
	require.NoError(t, err)

	res, err := ledger.Credit(context.Background(), points.CreditRequest{UserID: 1, Points: 10, Type: points.TxPostCreate})

	require.NoError(t, err)
	assert.Equal(t, int64(10), res.Balance.TotalPoints)
	assert.Equal(t, int64(2), obs.retried.Load())
}

func TestCredit_ConflictSurfacesAfterRetryBudget(t *testing.T) {
	s := &conflictingStore{TxMemory: store.NewTxMemory()}
	s.failures.Store(100)
	ledger, err := points.NewLedger(s, points.DefaultPolicy(), points.WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = ledger.Credit(context.Background(), points.CreditRequest{UserID: 1, Points: 10, Type: points.TxPostCreate})

	require.ErrorIs(t, err, points.ErrConcurrencyConflict)
	assert.True(t, points.IsRetryable(err))
	entries, _ := s.Entries(context.Background(), 1)
	assert.Empty(t, entries)
	assert.Equal(t, int32(100-4), s.failures.Load(), "1 attempt + 3 retries")
}

// =============================================================================
// READS
// =============================================================================

func TestBalance_UnknownUserIsZeroState(t *testing.T) {
	f := newFixture(t)

	view, err := f.ledger.Balance(context.Background(), 404)

	require.NoError(t, err)
	assert.False(t, view.Exists)
	assert.Equal(t, 1, view.CurrentLevel)
	assert.Equal(t, int64(0), view.TotalPoints)
	assert.Equal(t, int64(100), view.RemainingDailyCap)
	assert.Equal(t, int64(100), view.PointsToNextLevel)

	_, err = f.ledger.Lookup(context.Background(), 404)
	assert.ErrorIs(t, err, points.ErrUserNotFound)
	assert.True(t, points.IsNotFound(err))
}

func TestBalance_ViewShowsTodayOnly(t *testing.T) {
	f := newFixture(t)
	f.earn(t, 1, 70)

	view, err := f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(70), view.TodayEarned)
	assert.Equal(t, int64(30), view.RemainingDailyCap)

	f.clock.Advance(24 * time.Hour)
	view, err = f.ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.TodayEarned)
	assert.Equal(t, int64(100), view.RemainingDailyCap)
}

func TestHistory_MostRecentFirstWithFilters(t *testing.T) {
	f := newFixture(t)
	f.earn(t, 1, 10)
	f.clock.Advance(time.Hour)
	f.grant(t, 1, 20)
	f.clock.Advance(time.Hour)
	_, err := f.ledger.Spend(context.Background(), points.SpendRequest{UserID: 1, Points: 5})
	require.NoError(t, err)
	f.earn(t, 2, 10)

	all, err := f.ledger.History(context.Background(), points.HistoryQuery{UserID: 1})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, points.TxPointUse, all[0].Type)
	assert.Equal(t, points.TxPostCreate, all[2].Type)

	page, err := f.ledger.History(context.Background(), points.HistoryQuery{UserID: 1, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, points.TxEventBonus, page[0].Type)

	window, err := f.ledger.History(context.Background(), points.HistoryQuery{
		UserID: 1,
		From:   morning.Add(30 * time.Minute),
		To:     morning.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, points.TxEventBonus, window[0].Type)

	_, err = f.ledger.History(context.Background(), points.HistoryQuery{UserID: 1, From: morning, To: morning})
	assert.ErrorIs(t, err, points.ErrInvalidQuery)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	f.grant(t, 1, 100)
	f.grant(t, 2, 250)
	f.grant(t, 3, 600)

	stats, err := f.ledger.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Users)
	assert.Equal(t, int64(950), stats.TotalPoints)
	assert.Equal(t, "316.67", stats.AveragePoints.StringFixed(2))

	ranking, err := f.ledger.Ranking(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Len(t, ranking, 2)
	assert.Equal(t, points.UserID(3), ranking[0].Balance.UserID)
	assert.Equal(t, 1, ranking[0].Rank)
	assert.Equal(t, 3, ranking[0].Level.Number)

	counts, err := f.ledger.LevelCounts(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 10)
	assert.Equal(t, int64(0), counts[0].Users)
	assert.Equal(t, int64(2), counts[1].Users)
	assert.Equal(t, int64(1), counts[2].Users)
}

func TestUsersByLevel_FiltersAndPages(t *testing.T) {
	// GIVEN: Users at levels 1, 2, 2 and 3
	f := newFixture(t)
	f.grant(t, 4, 40)
	f.grant(t, 1, 100)
	f.grant(t, 2, 250)
	f.grant(t, 3, 600)

	// WHEN: Listing level 2 and above
	users, err := f.ledger.UsersByLevel(context.Background(), 2, 10, 0)

	// THEN: The level 1 user is excluded, order follows total points
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, points.UserID(3), users[0].Balance.UserID)
	assert.Equal(t, 3, users[0].Level.Number)
	assert.Equal(t, points.UserID(2), users[1].Balance.UserID)
	assert.Equal(t, points.UserID(1), users[2].Balance.UserID)
	assert.Equal(t, 3, users[2].Rank)

	page, err := f.ledger.UsersByLevel(context.Background(), 2, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, points.UserID(2), page[0].Balance.UserID)
	assert.Equal(t, 2, page[0].Rank)

	top, err := f.ledger.UsersByLevel(context.Background(), 10, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestUsersByLevel_RejectsLevelBelowOne(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.UsersByLevel(context.Background(), 0, 10, 0)
	assert.ErrorIs(t, err, points.ErrInvalidQuery)
}

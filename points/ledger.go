/*
ledger.go - The points ledger service

PURPOSE:
  Applies credits, debits and admin adjustments to a user's balance. Each
  accepted operation writes one Entry and saves the Balance aggregate in
  the same store transaction.

WRITE ALGORITHM:
  1. Validate the request (no storage access)
  2. Acquire the per-user lock (bounded by ctx and Policy.LockTimeout)
  3. In one store transaction:
       check idempotency key -> load or zero balance -> apply policy ->
       recompute level -> chain the entry hash -> save balance (CAS) ->
       append entry
  4. On a version conflict, repeat step 3 up to Policy.MaxRetries times
  5. Release the lock
  6. If the level changed, call the PromotionHook under its own timeout

  Once step 3 starts it runs on a context detached from the caller's
  cancellation, so a write is either fully applied or not at all.

PROMOTION:
  Hook failures are logged and counted. They never fail the write and
  never hold the user lock.

SEE ALSO:
  - policy.go: Cap decision
  - replay.go: Rebuilding and reconciling balances
  - store.go: Persistence contract
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store    TxStore
	policy   Policy
	clock    Clock
	hook     PromotionHook
	observer Observer
	log      logrus.FieldLogger
	locks    *KeyedMutex
}

type Option func(*Ledger)

func WithClock(c Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithPromotionHook(h PromotionHook) Option { return func(l *Ledger) { l.hook = h } }

func WithObserver(o Observer) Option { return func(l *Ledger) { l.observer = o } }

func WithLogger(log logrus.FieldLogger) Option { return func(l *Ledger) { l.log = log } }

func NewLedger(store TxStore, policy Policy, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger requires a store")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		store:    store,
		policy:   policy,
		clock:    SystemClock{},
		observer: nopObserver{},
		log:      logrus.StandardLogger(),
		locks:    NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) Policy() Policy { return l.policy }

func (l *Ledger) Levels() LevelTable { return l.policy.Levels }

// now is truncated to microseconds so hashes survive a database round trip.
func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC().Truncate(time.Microsecond)
}

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

type CreditRequest struct {
	UserID         UserID
	Points         int64
	Type           TransactionType
	ReferenceID    string
	ReferenceType  string
	Description    string
	IdempotencyKey string
}

type SpendRequest struct {
	UserID         UserID
	Points         int64
	ReferenceID    string
	ReferenceType  string
	Description    string
	IdempotencyKey string
}

type DeductRequest struct {
	UserID         UserID
	Points         int64
	Type           TransactionType
	ReferenceID    string
	ReferenceType  string
	Description    string
	IdempotencyKey string
}

type AdjustRequest struct {
	UserID         UserID
	AdminID        UserID
	Points         int64
	Reason         string
	IdempotencyKey string
}

type Result struct {
	Entry   Entry
	Balance Balance

	// LevelChange is set when the write moved the user to another level.
	LevelChange *LevelChange
}

// Applied is the signed amount that actually hit the balance.
func (r Result) Applied() int64 { return r.Entry.Points }

// =============================================================================
// WRITES
// =============================================================================

// Credit adds points. Earn-category types are subject to the daily cap; an
// exhausted cap still records a zero-point entry.
func (l *Ledger) Credit(ctx context.Context, req CreditRequest) (Result, error) {
	if req.Points <= 0 {
		return Result{}, fmt.Errorf("%w: credit must be positive, got %d", ErrInvalidAmount, req.Points)
	}
	if !req.Type.IsCredit() {
		return Result{}, fmt.Errorf("%w: %q is not a credit type", ErrInvalidTransactionType, req.Type)
	}

	return l.apply(ctx, req.UserID, req.IdempotencyKey, func(b *Balance, today Date) (Entry, error) {
		d := ComputeEffectiveCredit(*b, req.Points, req.Type, today, l.policy.DailyCapFor(b.CurrentLevel))
		b.TotalPoints += d.Effective
		b.AvailablePoints += d.Effective
		b.DailyEarnedPoints = d.DailyEarned
		b.LastEarnedDate = d.LastEarnedDate
		return Entry{
			Type:            req.Type,
			Points:          d.Effective,
			RequestedPoints: req.Points,
			ReferenceID:     req.ReferenceID,
			ReferenceType:   req.ReferenceType,
			Description:     describe(req.Description, req.Type),
		}, nil
	})
}

// Spend redeems available points. Lifetime points are unchanged.
func (l *Ledger) Spend(ctx context.Context, req SpendRequest) (Result, error) {
	return l.debit(ctx, DeductRequest{
		UserID:         req.UserID,
		Points:         req.Points,
		Type:           TxPointUse,
		ReferenceID:    req.ReferenceID,
		ReferenceType:  req.ReferenceType,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
}

// Deduct applies a penalty or content-removal deduction.
func (l *Ledger) Deduct(ctx context.Context, req DeductRequest) (Result, error) {
	return l.debit(ctx, req)
}

func (l *Ledger) debit(ctx context.Context, req DeductRequest) (Result, error) {
	if req.Points <= 0 {
		return Result{}, fmt.Errorf("%w: debit must be positive, got %d", ErrInvalidAmount, req.Points)
	}
	if !req.Type.IsDeduct() {
		return Result{}, fmt.Errorf("%w: %q is not a deduction type", ErrInvalidTransactionType, req.Type)
	}

	return l.apply(ctx, req.UserID, req.IdempotencyKey, func(b *Balance, _ Date) (Entry, error) {
		if b.AvailablePoints < req.Points {
			return Entry{}, &InsufficientPointsError{
				UserID:    b.UserID,
				Available: b.AvailablePoints,
				Requested: req.Points,
			}
		}
		b.AvailablePoints -= req.Points
		return Entry{
			Type:            req.Type,
			Points:          -req.Points,
			RequestedPoints: -req.Points,
			ReferenceID:     req.ReferenceID,
			ReferenceType:   req.ReferenceType,
			Description:     describe(req.Description, req.Type),
		}, nil
	})
}

// AdminAdjust grants or removes points on behalf of an administrator. It is
// exempt from the daily cap and moves both lifetime and available points.
// Unless the policy allows negative balances, removals clamp at zero
// available points and the entry records the requested amount.
func (l *Ledger) AdminAdjust(ctx context.Context, req AdjustRequest) (Result, error) {
	if req.Points == 0 {
		return Result{}, fmt.Errorf("%w: adjustment must not be zero", ErrInvalidAmount)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Result{}, fmt.Errorf("%w: adjustment requires a reason", ErrInvalidAmount)
	}

	txType := TxAdminGrant
	if req.Points < 0 {
		txType = TxAdminDeduct
	}
	adminID := req.AdminID

	return l.apply(ctx, req.UserID, req.IdempotencyKey, func(b *Balance, _ Date) (Entry, error) {
		applied := req.Points
		if applied < 0 && !l.policy.AllowNegativeAdjustment && -applied > b.AvailablePoints {
			applied = -max(0, b.AvailablePoints)
		}
		b.TotalPoints += applied
		b.AvailablePoints += applied
		return Entry{
			Type:            txType,
			Points:          applied,
			RequestedPoints: req.Points,
			ReferenceType:   "ADMIN",
			ReferenceID:     adminID.String(),
			Description:     reason,
			AdminID:         &adminID,
		}, nil
	})
}

func describe(desc string, t TransactionType) string {
	if d := strings.TrimSpace(desc); d != "" {
		return d
	}
	return t.Description()
}

// =============================================================================
// WRITE PIPELINE
// =============================================================================

// mutation applies one operation to the loaded balance and returns the
// entry to append. Bookkeeping fields are filled in by commitOnce.
type mutation func(b *Balance, today Date) (Entry, error)

func (l *Ledger) apply(ctx context.Context, userID UserID, key string, mutate mutation) (Result, error) {
	release, err := l.locks.Lock(ctx, userID, l.policy.LockTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	res, err := l.commit(context.WithoutCancel(ctx), userID, key, mutate)
	release()

	if err != nil {
		var dup *DuplicateError
		if errors.As(err, &dup) {
			return Result{Entry: dup.Existing}, err
		}
		return Result{}, err
	}

	l.observer.EntryWritten(res.Entry)
	if res.Entry.Type.IsEarn() && res.Entry.Truncated() {
		l.observer.CapTruncated(res.Entry)
	}
	l.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"type":      res.Entry.Type,
		"requested": res.Entry.RequestedPoints,
		"applied":   res.Entry.Points,
		"available": res.Balance.AvailablePoints,
		"entry_id":  res.Entry.ID,
	}).Debug("ledger entry written")

	if res.LevelChange != nil {
		l.observer.LevelChanged(*res.LevelChange)
		l.notify(ctx, *res.LevelChange)
	}
	return res, nil
}

func (l *Ledger) commit(ctx context.Context, userID UserID, key string, mutate mutation) (Result, error) {
	for attempt := 1; ; attempt++ {
		res, err := l.commitOnce(ctx, userID, key, mutate)
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) {
			return res, err
		}
		if attempt > l.policy.MaxRetries {
			return Result{}, fmt.Errorf("user %d: gave up after %d attempts: %w", userID, attempt, err)
		}
		l.observer.ConflictRetried(userID)
		l.log.WithFields(logrus.Fields{"user_id": userID, "attempt": attempt}).Debug("balance version conflict, retrying")
	}
}

func (l *Ledger) commitOnce(ctx context.Context, userID UserID, key string, mutate mutation) (Result, error) {
	now := l.now()
	today := l.policy.Today(now)

	var res Result
	err := l.store.WithTx(ctx, func(s Store) error {
		if key != "" {
			existing, found, err := s.EntryByIdempotencyKey(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
			if found {
				return &DuplicateError{Key: key, Existing: existing}
			}
		}

		b, found, err := s.LoadBalance(ctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load balance: %w", err)
		}
		if !found {
			b = NewBalance(userID, l.policy.Levels, now)
		}
		oldLevel := b.CurrentLevel

		entry, err := mutate(&b, today)
		if err != nil {
			return err
		}

		b.CurrentLevel = l.policy.Levels.ComputeLevel(b.TotalPoints).Number
		b.UpdatedAt = now

		entry.UserID = userID
		entry.IdempotencyKey = key
		entry.EarnedOn = today
		entry.CreatedAt = now
		entry.BalanceAfter = b.AvailablePoints
		entry.TotalAfter = b.TotalPoints
		entry.PrevHash = b.LastEntryHash
		entry.Hash = entry.ComputeHash()
		b.LastEntryHash = entry.Hash

		if err := s.SaveBalance(ctx, &b); err != nil {
			return err
		}
		if err := s.AppendEntry(ctx, &entry); err != nil {
			return err
		}

		res = Result{Entry: entry, Balance: b}
		if b.CurrentLevel != oldLevel {
			res.LevelChange = &LevelChange{
				UserID:      userID,
				OldLevel:    oldLevel,
				NewLevel:    b.CurrentLevel,
				TotalPoints: b.TotalPoints,
				EntryID:     entry.ID,
				OccurredAt:  now,
			}
		}
		return nil
	})
	return res, err
}

// notify runs the hook outside the user lock. A hook that ignores its
// context is abandoned once HookTimeout elapses.
func (l *Ledger) notify(ctx context.Context, change LevelChange) {
	if l.hook == nil {
		return
	}

	hctx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if l.policy.HookTimeout > 0 {
		hctx, cancel = context.WithTimeout(hctx, l.policy.HookTimeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- l.hook.OnLevelChange(hctx, change)
	}()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = hctx.Err()
	}
	if err == nil {
		return
	}

	perr := &PromotionError{Change: change, Err: err}
	l.observer.PromotionFailed(change, perr)
	l.log.WithFields(logrus.Fields{
		"user_id":   change.UserID,
		"old_level": change.OldLevel,
		"new_level": change.NewLevel,
	}).WithError(err).Warn("promotion hook failed")
}

// =============================================================================
// READS
// =============================================================================

// BalanceView is a balance plus the derived level and cap figures.
type BalanceView struct {
	Balance
	Exists            bool
	Level             Level
	NextLevel         *Level
	PointsToNextLevel int64
	DailyCap          int64
	TodayEarned       int64
	RemainingDailyCap int64
}

// Balance returns the user's balance. Unknown users get the zero state,
// which is not persisted.
func (l *Ledger) Balance(ctx context.Context, userID UserID) (BalanceView, error) {
	b, found, err := l.store.LoadBalance(ctx, userID)
	if err != nil {
		return BalanceView{}, fmt.Errorf("failed to load balance for user %d: %w", userID, err)
	}
	if !found {
		b = NewBalance(userID, l.policy.Levels, l.now())
	}
	return l.view(b, found), nil
}

// Lookup is Balance for callers that need the user to exist.
func (l *Ledger) Lookup(ctx context.Context, userID UserID) (BalanceView, error) {
	b, found, err := l.store.LoadBalance(ctx, userID)
	if err != nil {
		return BalanceView{}, fmt.Errorf("failed to load balance for user %d: %w", userID, err)
	}
	if !found {
		return BalanceView{}, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return l.view(b, true), nil
}

func (l *Ledger) view(b Balance, exists bool) BalanceView {
	today := l.policy.Today(l.clock.Now())
	v := BalanceView{
		Balance:           b,
		Exists:            exists,
		Level:             l.policy.Levels.ComputeLevel(b.TotalPoints),
		PointsToNextLevel: l.policy.Levels.PointsToNextLevel(b.TotalPoints),
		DailyCap:          l.policy.DailyCapFor(b.CurrentLevel),
		RemainingDailyCap: l.policy.RemainingDailyCap(b, today),
	}
	if next, ok := l.policy.Levels.Next(b.TotalPoints); ok {
		v.NextLevel = &next
	}
	if b.LastEarnedDate.Equal(today) {
		v.TodayEarned = b.DailyEarnedPoints
	}
	return v
}

// History returns a page of the user's entries, most recent first.
func (l *Ledger) History(ctx context.Context, q HistoryQuery) ([]Entry, error) {
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidQuery)
	}
	entries, err := l.store.History(ctx, q.Normalize())
	if err != nil {
		return nil, fmt.Errorf("failed to load history for user %d: %w", q.UserID, err)
	}
	return entries, nil
}

// =============================================================================
// STATISTICS
// =============================================================================

type RankedBalance struct {
	Rank    int
	Balance Balance
	Level   Level
}

type LevelCount struct {
	Level Level
	Users int64
}

type Statistics struct {
	Users           int64
	TotalPoints     int64
	AvailablePoints int64
	AveragePoints   decimal.Decimal
}

func (l *Ledger) stats() (StatsStore, error) {
	s, ok := l.store.(StatsStore)
	if !ok {
		return nil, ErrStoreRequired
	}
	return s, nil
}

// Ranking lists users by lifetime points.
func (l *Ledger) Ranking(ctx context.Context, limit, offset int) ([]RankedBalance, error) {
	s, err := l.stats()
	if err != nil {
		return nil, err
	}
	q := HistoryQuery{Limit: limit, Offset: offset}.Normalize()
	balances, err := s.Ranking(ctx, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load ranking: %w", err)
	}
	out := make([]RankedBalance, len(balances))
	for i, b := range balances {
		out[i] = RankedBalance{
			Rank:    q.Offset + i + 1,
			Balance: b,
			Level:   l.policy.Levels.ComputeLevel(b.TotalPoints),
		}
	}
	return out, nil
}

// UsersByLevel lists users whose stored level is at least level, ordered
// like Ranking. Rank is the position within the filtered list.
func (l *Ledger) UsersByLevel(ctx context.Context, level, limit, offset int) ([]RankedBalance, error) {
	if level < 1 {
		return nil, fmt.Errorf("%w: level must be >= 1, got %d", ErrInvalidQuery, level)
	}
	s, err := l.stats()
	if err != nil {
		return nil, err
	}
	q := HistoryQuery{Limit: limit, Offset: offset}.Normalize()
	balances, err := s.UsersAtOrAboveLevel(ctx, level, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load users at level %d: %w", level, err)
	}
	out := make([]RankedBalance, len(balances))
	for i, b := range balances {
		out[i] = RankedBalance{
			Rank:    q.Offset + i + 1,
			Balance: b,
			Level:   l.policy.Levels.ComputeLevel(b.TotalPoints),
		}
	}
	return out, nil
}

// LevelCounts reports how many users sit at each level, including empty ones.
func (l *Ledger) LevelCounts(ctx context.Context) ([]LevelCount, error) {
	s, err := l.stats()
	if err != nil {
		return nil, err
	}
	counts, err := s.CountByLevel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count levels: %w", err)
	}
	out := make([]LevelCount, len(l.policy.Levels))
	for i, lvl := range l.policy.Levels {
		out[i] = LevelCount{Level: lvl, Users: counts[lvl.Number]}
	}
	return out, nil
}

func (l *Ledger) Statistics(ctx context.Context) (Statistics, error) {
	s, err := l.stats()
	if err != nil {
		return Statistics{}, err
	}
	t, err := s.Totals(ctx)
	if err != nil {
		return Statistics{}, fmt.Errorf("failed to load totals: %w", err)
	}
	st := Statistics{
		Users:           t.Users,
		TotalPoints:     t.TotalPoints,
		AvailablePoints: t.AvailablePoints,
		AveragePoints:   decimal.Zero,
	}
	if t.Users > 0 {
		st.AveragePoints = decimal.NewFromInt(t.TotalPoints).Div(decimal.NewFromInt(t.Users)).Round(2)
	}
	return st, nil
}

// UserIDs lists every user with a balance or an entry.
func (l *Ledger) UserIDs(ctx context.Context) ([]UserID, error) {
	s, err := l.stats()
	if err != nil {
		return nil, err
	}
	ids, err := s.UserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return ids, nil
}

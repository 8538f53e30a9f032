// Package store provides in-process points.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/points-ledger/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	balances map[points.UserID]points.Balance
	entries  map[points.UserID][]points.Entry
	byKey    map[string]points.Entry
	nextID   int64
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[points.UserID]points.Balance),
		entries:  make(map[points.UserID][]points.Entry),
		byKey:    make(map[string]points.Entry),
	}
}

func (m *Memory) LoadBalance(_ context.Context, userID points.UserID) (points.Balance, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.balances[userID]
	return b, ok, nil
}

func (m *Memory) SaveBalance(_ context.Context, b *points.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBalanceLocked(b)
}

func (m *Memory) AppendEntry(_ context.Context, e *points.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e)
}

func (m *Memory) EntryByIdempotencyKey(_ context.Context, key string) (points.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[key]
	return e, ok, nil
}

func (m *Memory) Entries(_ context.Context, userID points.UserID) ([]points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(userID), nil
}

func (m *Memory) History(_ context.Context, q points.HistoryQuery) ([]points.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(q), nil
}

// Overwrite replaces a balance without a version check. Used to simulate
// drift between the aggregate and its history.
func (m *Memory) Overwrite(b points.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.UserID] = b
}

func (m *Memory) saveBalanceLocked(b *points.Balance) error {
	current, exists := m.balances[b.UserID]
	switch {
	case b.Version == 0 && exists:
		return points.ErrConcurrencyConflict
	case b.Version != 0 && (!exists || current.Version != b.Version):
		return points.ErrConcurrencyConflict
	}
	b.Version++
	m.balances[b.UserID] = *b
	return nil
}

func (m *Memory) appendLocked(e *points.Entry) error {
	if e.IdempotencyKey != "" {
		if existing, ok := m.byKey[e.IdempotencyKey]; ok {
			return &points.DuplicateError{Key: e.IdempotencyKey, Existing: existing}
		}
	}
	m.nextID++
	e.ID = m.nextID
	m.entries[e.UserID] = append(m.entries[e.UserID], *e)
	if e.IdempotencyKey != "" {
		m.byKey[e.IdempotencyKey] = *e
	}
	return nil
}

func (m *Memory) entriesLocked(userID points.UserID) []points.Entry {
	result := make([]points.Entry, len(m.entries[userID]))
	copy(result, m.entries[userID])
	return result
}

func (m *Memory) historyLocked(q points.HistoryQuery) []points.Entry {
	q = q.Normalize()
	all := m.entries[q.UserID]
	var result []points.Entry
	skipped := 0
	for i := len(all) - 1; i >= 0 && len(result) < q.Limit; i-- {
		if !q.Matches(all[i]) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		result = append(result, all[i])
	}
	return result
}

// =============================================================================
// STATISTICS
// =============================================================================

func (m *Memory) Ranking(_ context.Context, limit, offset int) ([]points.Balance, error) {
	return m.ranked(func(points.Balance) bool { return true }, limit, offset), nil
}

func (m *Memory) UsersAtOrAboveLevel(_ context.Context, level, limit, offset int) ([]points.Balance, error) {
	return m.ranked(func(b points.Balance) bool { return b.CurrentLevel >= level }, limit, offset), nil
}

func (m *Memory) ranked(keep func(points.Balance) bool, limit, offset int) []points.Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]points.Balance, 0, len(m.balances))
	for _, b := range m.balances {
		if keep(b) {
			all = append(all, b)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].TotalPoints != all[j].TotalPoints {
			return all[i].TotalPoints > all[j].TotalPoints
		}
		return all[i].UserID < all[j].UserID
	})
	if offset >= len(all) {
		return nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end]
}

func (m *Memory) CountByLevel(_ context.Context) (map[int]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[int]int64)
	for _, b := range m.balances {
		counts[b.CurrentLevel]++
	}
	return counts, nil
}

func (m *Memory) Totals(_ context.Context) (points.Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var t points.Totals
	for _, b := range m.balances {
		t.Users++
		t.TotalPoints += b.TotalPoints
		t.AvailablePoints += b.AvailablePoints
	}
	return t, nil
}

func (m *Memory) UserIDs(_ context.Context) ([]points.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[points.UserID]bool)
	for id := range m.balances {
		seen[id] = true
	}
	for id := range m.entries {
		seen[id] = true
	}
	ids := make([]points.UserID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx runs fn under the store lock. Writes go straight to the maps and
// are rolled back from a snapshot if fn fails. Entry IDs are not reused.
func (tm *TxMemory) WithTx(_ context.Context, fn func(points.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances map[points.UserID]points.Balance
	entries  map[points.UserID][]points.Entry
	byKey    map[string]points.Entry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		balances: make(map[points.UserID]points.Balance, len(tm.balances)),
		entries:  make(map[points.UserID][]points.Entry, len(tm.entries)),
		byKey:    make(map[string]points.Entry, len(tm.byKey)),
	}
	for k, v := range tm.balances {
		s.balances[k] = v
	}
	for k, v := range tm.entries {
		s.entries[k] = append([]points.Entry{}, v...)
	}
	for k, v := range tm.byKey {
		s.byKey[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.balances = s.balances
	tm.entries = s.entries
	tm.byKey = s.byKey
}

// txMemoryView runs with the parent lock already held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) LoadBalance(_ context.Context, userID points.UserID) (points.Balance, bool, error) {
	b, ok := tv.parent.balances[userID]
	return b, ok, nil
}

func (tv *txMemoryView) SaveBalance(_ context.Context, b *points.Balance) error {
	return tv.parent.saveBalanceLocked(b)
}

func (tv *txMemoryView) AppendEntry(_ context.Context, e *points.Entry) error {
	return tv.parent.appendLocked(e)
}

func (tv *txMemoryView) EntryByIdempotencyKey(_ context.Context, key string) (points.Entry, bool, error) {
	e, ok := tv.parent.byKey[key]
	return e, ok, nil
}

func (tv *txMemoryView) Entries(_ context.Context, userID points.UserID) ([]points.Entry, error) {
	return tv.parent.entriesLocked(userID), nil
}

func (tv *txMemoryView) History(_ context.Context, q points.HistoryQuery) ([]points.Entry, error) {
	return tv.parent.historyLocked(q), nil
}

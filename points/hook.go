package points

import (
	"context"
	"time"
)

// LevelChange is the single event the ledger emits. It is delivered after
// the write that caused it has committed and the user lock is released.
type LevelChange struct {
	UserID      UserID    `json:"user_id"`
	OldLevel    int       `json:"old_level"`
	NewLevel    int       `json:"new_level"`
	TotalPoints int64     `json:"total_points"`
	EntryID     int64     `json:"entry_id"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Promoted reports an upward transition.
func (c LevelChange) Promoted() bool { return c.NewLevel > c.OldLevel }

// PromotionHook receives level changes. Errors are logged by the ledger and
// never undo the write.
type PromotionHook interface {
	OnLevelChange(ctx context.Context, change LevelChange) error
}

// HookFunc adapts a function to PromotionHook.
type HookFunc func(ctx context.Context, change LevelChange) error

func (f HookFunc) OnLevelChange(ctx context.Context, change LevelChange) error { return f(ctx, change) }

// Observer receives ledger events for metrics. Methods must not block.
type Observer interface {
	EntryWritten(e Entry)
	CapTruncated(e Entry)
	ConflictRetried(userID UserID)
	LevelChanged(change LevelChange)
	PromotionFailed(change LevelChange, err error)
}

type nopObserver struct{}

func (nopObserver) EntryWritten(Entry) {}
func (nopObserver) CapTruncated(Entry) {}
func (nopObserver) ConflictRetried(UserID) {}
func (nopObserver) LevelChanged(LevelChange) {}
func (nopObserver) PromotionFailed(LevelChange, error) {}

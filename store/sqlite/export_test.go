package sqlite

import (
	"context"

	"github.com/warp/points-ledger/points"
)

// ExecRaw runs arbitrary SQL against the store's database.
func (s *Store) ExecRaw(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Overwrite replaces a balance row without a version check.
func (s *Store) Overwrite(ctx context.Context, b points.Balance) error {
	return s.ExecRaw(ctx, `
		UPDATE point_balances SET total_points = ?, available_points = ?, current_level = ?,
			daily_earned_points = ?, last_earned_date = ?
		WHERE user_id = ?`,
		b.TotalPoints, b.AvailablePoints, b.CurrentLevel, b.DailyEarnedPoints,
		nullString(b.LastEarnedDate.String()), b.UserID)
}

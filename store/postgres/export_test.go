package postgres

import "context"

// ExecRaw runs a statement outside the store API.
func (s *Store) ExecRaw(ctx context.Context, query string, args ...any) error {
	_, err := s.pool.Exec(ctx, query, args...)
	return err
}

// Reset empties both tables. TRUNCATE does not fire row triggers.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE point_entries, point_balances RESTART IDENTITY`)
	return err
}

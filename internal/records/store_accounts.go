package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureAccount creates the account row with a zero balance when missing.
func (s *Store) EnsureAccount(ctx context.Context, accountID string) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO accounts (id, balance, updated_at) VALUES (?, 0, ?)
         ON CONFLICT(id) DO NOTHING`,
		accountID, nowTimestamp())
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// Balance reads the current credit balance. The backend is authoritative for
// debits; this value is refreshed by it out of band.
func (s *Store) Balance(ctx context.Context, accountID string) (float64, error) {
	ctx = ensureContext(ctx)
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// SetBalance overwrites the stored balance. Used when the backend pushes a
// refreshed value and by top-up tooling; nothing client-side debits through it.
func (s *Store) SetBalance(ctx context.Context, accountID string, balance float64) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		balance, nowTimestamp(), accountID)
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set balance rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

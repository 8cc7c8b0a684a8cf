package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertAccount adds a new account.
func (s *Store) InsertAccount(ctx context.Context, a *Account) error {
	now := time.Now().UnixMilli()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	if a.UpdatedAt == 0 {
		a.UpdatedAt = now
	}
	if a.Tier == "" {
		a.Tier = "free"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO accounts (id, name, email, tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Email, a.Tier, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, name, email, tier, created_at, updated_at FROM accounts WHERE id = ?`, id)
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.Tier, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// ListAccounts returns all accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, email, tier, created_at, updated_at FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.Tier, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, &a)
	}
	return accounts, rows.Err()
}

// UpdateAccountTier changes an account's tier.
func (s *Store) UpdateAccountTier(ctx context.Context, id, tier string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE accounts SET tier = ?, updated_at = ? WHERE id = ?`,
		tier, time.Now().UnixMilli(), id)
	return err
}

// CountPages returns the number of pages on an account, enabled or not.
// Used for tier limit enforcement at page creation.
func (s *Store) CountPages(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}

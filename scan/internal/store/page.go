package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const pageCols = `id, account_id, url, path, cadence, enabled, hypothesis, created_at, updated_at`

// InsertPage adds a tracked page.
func (s *Store) InsertPage(ctx context.Context, p *Page) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = now
	}
	if p.Cadence == "" {
		p.Cadence = "daily"
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO pages (id, account_id, url, path, cadence, enabled, hypothesis, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.URL, p.Path, p.Cadence, p.Enabled, p.Hypothesis, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetPage retrieves a page by ID.
func (s *Store) GetPage(ctx context.Context, id string) (*Page, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pageCols+` FROM pages WHERE id = ?`, id)
	return scanPage(row)
}

// GetPageByURL returns the page tracking a URL on an account, or nil.
func (s *Store) GetPageByURL(ctx context.Context, accountID, url string) (*Page, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pageCols+` FROM pages WHERE account_id = ? AND url = ?`, accountID, url)
	return scanPage(row)
}

// ListPages returns all pages on an account.
func (s *Store) ListPages(ctx context.Context, accountID string) ([]*Page, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pageCols+` FROM pages WHERE account_id = ? ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPages(rows)
}

// ListEnabledPages returns every enabled page across all accounts.
// The sweep iterates this.
func (s *Store) ListEnabledPages(ctx context.Context) ([]*Page, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pageCols+` FROM pages WHERE enabled = 1 ORDER BY account_id, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPages(rows)
}

// UpdatePage updates a page's mutable fields.
func (s *Store) UpdatePage(ctx context.Context, p *Page) error {
	p.UpdatedAt = time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE pages SET url=?, path=?, cadence=?, enabled=?, hypothesis=?, updated_at=?
		WHERE id=?`,
		p.URL, p.Path, p.Cadence, p.Enabled, p.Hypothesis, p.UpdatedAt, p.ID,
	)
	return err
}

// DeletePage removes a page (cascades to baselines, changes, scan runs).
func (s *Store) DeletePage(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id)
	return err
}

// PagesWithoutBaseline returns enabled pages that have no current baseline
// at any viewport. These are newly tracked pages awaiting first capture.
func (s *Store) PagesWithoutBaseline(ctx context.Context) ([]*Page, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pageCols+` FROM pages p
		WHERE p.enabled = 1
		  AND NOT EXISTS (
		    SELECT 1 FROM baselines b WHERE b.page_id = p.id AND b.is_current = 1
		  )
		ORDER BY p.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPages(rows)
}

// PagesMatchingPaths returns an account's enabled pages whose path matches
// one of the deploy's changed paths, oldest first. An empty paths list
// matches every enabled page on the account.
func (s *Store) PagesMatchingPaths(ctx context.Context, accountID string, paths []string) ([]*Page, error) {
	if len(paths) == 0 {
		rows, err := s.DB.QueryContext(ctx,
			`SELECT `+pageCols+` FROM pages WHERE account_id = ? AND enabled = 1 ORDER BY created_at, id`,
			accountID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collectPages(rows)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
	args := make([]any, 0, len(paths)+1)
	args = append(args, accountID)
	for _, p := range paths {
		args = append(args, p)
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pageCols+` FROM pages
		WHERE account_id = ? AND enabled = 1 AND path IN (`+placeholders+`)
		ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPages(rows)
}

func scanPage(row *sql.Row) (*Page, error) {
	var p Page
	var enabled int
	err := row.Scan(&p.ID, &p.AccountID, &p.URL, &p.Path, &p.Cadence, &enabled,
		&p.Hypothesis, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan page: %w", err)
	}
	p.Enabled = enabled != 0
	return &p, nil
}

func collectPages(rows *sql.Rows) ([]*Page, error) {
	var pages []*Page
	for rows.Next() {
		var p Page
		var enabled int
		if err := rows.Scan(&p.ID, &p.AccountID, &p.URL, &p.Path, &p.Cadence, &enabled,
			&p.Hypothesis, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		p.Enabled = enabled != 0
		pages = append(pages, &p)
	}
	return pages, rows.Err()
}

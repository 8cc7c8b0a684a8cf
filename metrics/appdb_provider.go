package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// TableCount maps one business metric to a row count over a timestamped
// table in a connected application database (e.g. signups, orders).
type TableCount struct {
	Metric     string `yaml:"metric"`
	Table      string `yaml:"table"`
	TimeColumn string `yaml:"time_column"` // unix milliseconds
}

// AppDBProvider derives metric deltas from row counts in the account's own
// application database: rows created in the before half vs the after half
// of the window.
type AppDBProvider struct {
	name   string
	db     *sql.DB
	tables []TableCount
}

// NewAppDBProvider creates an AppDBProvider over an already-opened database.
func NewAppDBProvider(name string, db *sql.DB, tables []TableCount) *AppDBProvider {
	return &AppDBProvider{name: name, db: db, tables: tables}
}

// Name implements Provider.
func (p *AppDBProvider) Name() string { return p.name }

// Deltas implements Provider.
func (p *AppDBProvider) Deltas(ctx context.Context, _ string, w Window) ([]Delta, error) {
	var deltas []Delta
	for _, tc := range p.tables {
		before, err := p.countBetween(ctx, tc, w.Start.UnixMilli(), w.Mid.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("count %s before: %w", tc.Metric, err)
		}
		after, err := p.countBetween(ctx, tc, w.Mid.UnixMilli(), w.End.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("count %s after: %w", tc.Metric, err)
		}
		deltas = append(deltas, Delta{
			Name:          tc.Metric,
			Source:        p.name,
			Before:        before,
			After:         after,
			ChangePercent: ChangePercent(before, after),
		})
	}
	return deltas, nil
}

func (p *AppDBProvider) countBetween(ctx context.Context, tc TableCount, from, to int64) (float64, error) {
	// Identifiers come from operator config, not request input, but quote
	// them anyway.
	query := "SELECT COUNT(*) FROM " + quoteIdent(tc.Table) +
		" WHERE " + quoteIdent(tc.TimeColumn) + " >= ? AND " + quoteIdent(tc.TimeColumn) + " < ?"
	var n float64
	err := p.db.QueryRowContext(ctx, query, from, to).Scan(&n)
	return n, err
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

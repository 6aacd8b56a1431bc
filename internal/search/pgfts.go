package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the host is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks documents by ts_rank over the generated fts column, with a
// ts_headline snippet from the script text.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM documents d WHERE d.fts @@ plainto_tsquery('simple', $1)
	`, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.title,
			ts_headline('simple', coalesce(d.script_text, ''), plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			d.head_revision
		FROM documents d
		WHERE d.fts @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(d.fts, plainto_tsquery('simple', $1)) DESC, d.updated_at DESC
		LIMIT $2 OFFSET $3
	`, q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocumentID, &r.Title, &r.Snippet, &r.Revision); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every document head for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ScriptRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, title, head_revision, script_text FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	records := make([]ScriptRecord, 0)
	for rows.Next() {
		var id, title, revision, text string
		if err := rows.Scan(&id, &title, &revision, &text); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		records = append(records, NewScriptRecord(id, title, revision, text))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return records, nil
}

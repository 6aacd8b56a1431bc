package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureDocument inserts the document if it is missing and returns the
// stored row either way.
func (s *PostgresStore) EnsureDocument(ctx context.Context, doc Document) (Document, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, head_revision, script_text, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, doc.ID, doc.Title, doc.HeadRevision, doc.ScriptText, doc.UpdatedBy)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return s.GetDocument(ctx, doc.ID)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	const query = `
		SELECT id, title, head_revision, script_text, updated_by, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&doc.ID, &doc.Title, &doc.HeadRevision, &doc.ScriptText, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, head_revision, script_text, updated_by, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.HeadRevision, &doc.ScriptText, &doc.UpdatedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	return items, rows.Err()
}

// UpdateHead records a new cloud head for the document.
func (s *PostgresStore) UpdateHead(ctx context.Context, documentID, revision, scriptText, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET head_revision = $2, script_text = $3, updated_by = $4, updated_at = NOW()
		WHERE id = $1
	`, documentID, revision, scriptText, updatedBy)
	if err != nil {
		return fmt.Errorf("update head: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update head rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertSaveEvent(ctx context.Context, event SaveEvent) (SaveEvent, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO save_events (document_id, session_id, tier, status, base_revision, new_revision, digest, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, event.DocumentID, event.SessionID, string(event.Tier), string(event.Status),
		event.BaseRevision, event.NewRevision, event.Digest, event.Error,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return SaveEvent{}, fmt.Errorf("insert save event: %w", err)
	}
	return event, nil
}

// ListSaveEvents returns the document's most recent save events first.
func (s *PostgresStore) ListSaveEvents(ctx context.Context, documentID string, limit int) ([]SaveEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, session_id, tier, status, base_revision, new_revision, digest, error, created_at
		FROM save_events
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list save events: %w", err)
	}
	defer rows.Close()

	items := make([]SaveEvent, 0)
	for rows.Next() {
		var event SaveEvent
		var tier, status string
		if err := rows.Scan(
			&event.ID, &event.DocumentID, &event.SessionID, &tier, &status,
			&event.BaseRevision, &event.NewRevision, &event.Digest, &event.Error, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan save event: %w", err)
		}
		event.Tier = SaveTier(tier)
		event.Status = SaveStatus(status)
		items = append(items, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate save events: %w", err)
	}
	return items, nil
}

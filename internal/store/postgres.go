package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row addressed by id does not exist.
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

func (s *PostgresStore) ListDocuments(ctx context.Context, folderID string) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, folder_id, updated_at
		FROM documents
		WHERE ($1 = '' OR folder_id = $1)
		ORDER BY updated_at DESC
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentSummary, 0)
	for rows.Next() {
		var item DocumentSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.FolderID, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, folder_id, version, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.Body, &item.FolderID, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, body, folder_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Body, item.FolderID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// UpdateDocumentBody stores a new body. Saves carrying an older version than
// the stored one are ignored so out-of-order background writes cannot regress it.
func (s *PostgresStore) UpdateDocumentBody(ctx context.Context, documentID, body string, version int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET body=$2, version=$3, updated_at=NOW()
		WHERE id=$1 AND version <= $3
	`, documentID, body, version)
	if err != nil {
		return fmt.Errorf("update document body: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, documentID).Scan(&exists); err != nil {
			return fmt.Errorf("check document: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) RenameDocument(ctx context.Context, documentID, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET title=$2, updated_at=NOW() WHERE id=$1
	`, documentID, title)
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListFolders(ctx context.Context) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, parent_id, sort_order, created_at
		FROM folders
		ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	items := make([]Folder, 0)
	for rows.Next() {
		var item Folder
		if err := rows.Scan(&item.ID, &item.Name, &item.ParentID, &item.SortOrder, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate folders: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertFolder(ctx context.Context, folder Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, parent_id, sort_order)
		VALUES ($1, $2, $3, $4)
	`, folder.ID, folder.Name, folder.ParentID, folder.SortOrder)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertAcceptance(ctx context.Context, a Acceptance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestion_acceptances
			(id, document_id, batch_id, option_id, original_text, applied_text, category, range_start, range_end, strategy, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.DocumentID, a.BatchID, a.OptionID, a.OriginalText, a.AppliedText, a.Category, a.RangeStart, a.RangeEnd, a.Strategy, a.Revision)
	if err != nil {
		return fmt.Errorf("insert acceptance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAcceptances(ctx context.Context, documentID string, limit int) ([]Acceptance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, batch_id, option_id, original_text, applied_text, category,
			range_start, range_end, strategy, revision, accepted_at
		FROM suggestion_acceptances
		WHERE document_id=$1
		ORDER BY accepted_at DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list acceptances: %w", err)
	}
	defer rows.Close()

	items := make([]Acceptance, 0)
	for rows.Next() {
		var item Acceptance
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.BatchID,
			&item.OptionID,
			&item.OriginalText,
			&item.AppliedText,
			&item.Category,
			&item.RangeStart,
			&item.RangeEnd,
			&item.Strategy,
			&item.Revision,
			&item.AcceptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan acceptance: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate acceptances: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

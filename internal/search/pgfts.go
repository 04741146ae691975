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

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over documents and suggestion_acceptances ranked by
// ts_rank, with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		docWhere := "d.fts @@ " + tsQuery
		if q.FilterFolderID != "" {
			docWhere += fmt.Sprintf(" AND d.folder_id = $%d", argN)
			args = append(args, q.FilterFolderID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', d.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id, coalesce(d.folder_id, '') AS folder_id,
				ts_rank(d.fts, %s) AS rank
			FROM documents d
			WHERE %s`, tsQuery, tsQuery, docWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultAcceptance {
		accWhere := "a.fts @@ " + tsQuery
		if q.FilterFolderID != "" {
			accWhere += fmt.Sprintf(" AND d.folder_id = $%d", argN)
			args = append(args, q.FilterFolderID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'acceptance'::text AS type, a.id, a.applied_text AS title,
				ts_headline('english', a.original_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.document_id, coalesce(d.folder_id, '') AS folder_id,
				ts_rank(a.fts, %s) AS rank
			FROM suggestion_acceptances a
			JOIN documents d ON d.id = a.document_id
			WHERE %s`, tsQuery, tsQuery, accWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, folder_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.FolderID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []AcceptanceRecord, error) {
	docRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, body, coalesce(folder_id, '')
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer docRows.Close()

	documents := make([]DocumentRecord, 0)
	for docRows.Next() {
		var d DocumentRecord
		if err := docRows.Scan(&d.ID, &d.Title, &d.Body, &d.FolderID); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		documents = append(documents, d)
	}
	if err := docRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	accRows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.document_id, coalesce(d.folder_id, ''), a.original_text, a.applied_text, a.category
		FROM suggestion_acceptances a
		JOIN documents d ON d.id = a.document_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load acceptances: %w", err)
	}
	defer accRows.Close()

	acceptances := make([]AcceptanceRecord, 0)
	for accRows.Next() {
		var a AcceptanceRecord
		if err := accRows.Scan(&a.ID, &a.DocumentID, &a.FolderID, &a.OriginalText, &a.AppliedText, &a.Category); err != nil {
			return nil, nil, fmt.Errorf("scan acceptance: %w", err)
		}
		acceptances = append(acceptances, a)
	}
	if err := accRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate acceptances: %w", err)
	}

	return documents, acceptances, nil
}

package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the comments.fts column.
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

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	where := []string{"c.fts @@ " + tsQuery, "c.is_public", "NOT c.is_removed"}
	if q.Target.Type != "" {
		args = append(args, q.Target.Type)
		where = append(where, fmt.Sprintf("c.target_type = $%d", len(args)))
	}
	if q.Target.ID != "" {
		args = append(args, q.Target.ID)
		where = append(where, fmt.Sprintf("c.target_id = $%d", len(args)))
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	countSQL := "SELECT count(*) FROM comments c WHERE " + whereSQL
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.target_type, c.target_id, c.thread_id, c.user_name,
			ts_headline('english', c.body, %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			c.submit_date
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC, c.id DESC
		LIMIT %d OFFSET %d`, tsQuery, whereSQL, tsQuery, q.limit(), offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CommentID, &r.TargetType, &r.TargetID, &r.ThreadID, &r.UserName, &r.Snippet, &r.SubmitDate); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.SubmitDate = r.SubmitDate.UTC()
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadPublic returns every visible comment for full reindexing.
func (p *PgFTS) LoadPublic(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, target_type, target_id, thread_id, user_name, body, EXTRACT(EPOCH FROM submit_date)::bigint
		FROM comments
		WHERE is_public AND NOT is_removed
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.TargetType, &r.TargetID, &r.ThreadID, &r.UserName, &r.Body, &r.SubmitDate); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return records, nil
}

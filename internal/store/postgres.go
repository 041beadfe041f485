package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

const commentColumns = `id, target_type, target_id, user_id, user_name, user_email, user_url, body, ip_address,
	submit_date, thread_id, parent_id, level, thread_order, is_public, is_removed, followup`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var c Comment
	err := row.Scan(
		&c.ID,
		&c.Target.Type,
		&c.Target.ID,
		&c.UserID,
		&c.UserName,
		&c.UserEmail,
		&c.UserURL,
		&c.Body,
		&c.IPAddress,
		&c.SubmitDate,
		&c.ThreadID,
		&c.ParentID,
		&c.Level,
		&c.Order,
		&c.IsPublic,
		&c.IsRemoved,
		&c.Followup,
	)
	if err != nil {
		return Comment{}, err
	}
	c.SubmitDate = c.SubmitDate.UTC()
	return c, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryComments(ctx context.Context, q queryer, query string, args ...any) ([]Comment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Placement runs fn in a transaction holding a per-target advisory lock, so
// concurrent placements on one target never read the same orders.
func (s *PostgresStore) Placement(ctx context.Context, target Target, fn func(PlacementTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin placement tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, target.String()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock target %s: %w", target, err)
	}
	if err := fn(&pgPlacementTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit placement: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id int64) (Comment, error) {
	return scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
}

// ListByTarget returns every comment on target, hidden ones included, in
// (thread, order) sequence.
func (s *PostgresStore) ListByTarget(ctx context.Context, target Target) ([]Comment, error) {
	items, err := queryComments(ctx, s.db, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE target_type=$1 AND target_id=$2
		ORDER BY thread_id, thread_order
	`, target.Type, target.ID)
	if err != nil {
		return nil, fmt.Errorf("list comments for %s: %w", target, err)
	}
	return items, nil
}

func (s *PostgresStore) ListThread(ctx context.Context, target Target, threadID int64) ([]Comment, error) {
	items, err := queryComments(ctx, s.db, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE target_type=$1 AND target_id=$2 AND thread_id=$3
		ORDER BY thread_order
	`, target.Type, target.ID, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread %d: %w", threadID, err)
	}
	return items, nil
}

// SetFollowup updates the followup flag on every visible comment the author
// of email left in the thread.
func (s *PostgresStore) SetFollowup(ctx context.Context, target Target, threadID int64, email string, followup bool) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET followup=$5
		WHERE target_type=$1 AND target_id=$2 AND thread_id=$3
			AND LOWER(TRIM(user_email))=$4
			AND is_public AND NOT is_removed
			AND followup <> $5
	`, target.Type, target.ID, threadID, NormalizeEmail(email), followup)
	if err != nil {
		return 0, fmt.Errorf("set followup: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SetVisibility(ctx context.Context, id int64, isPublic, isRemoved bool) (Comment, error) {
	item, err := scanComment(s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET is_public=$2, is_removed=$3
		WHERE id=$1
		RETURNING `+commentColumns, id, isPublic, isRemoved))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Comment{}, err
		}
		return Comment{}, fmt.Errorf("set visibility of %d: %w", id, err)
	}
	return item, nil
}

func (s *PostgresStore) CountPublic(ctx context.Context, target Target) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM comments
		WHERE target_type=$1 AND target_id=$2 AND is_public AND NOT is_removed
	`, target.Type, target.ID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count comments for %s: %w", target, err)
	}
	return count, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgPlacementTx struct {
	tx *sql.Tx
}

func (t *pgPlacementTx) GetComment(ctx context.Context, id int64) (Comment, error) {
	return scanComment(t.tx.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
}

func (t *pgPlacementTx) FindSubmission(ctx context.Context, draft Draft) (Comment, bool, error) {
	item, err := scanComment(t.tx.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE target_type=$1 AND target_id=$2 AND user_name=$3 AND user_email=$4
			AND submit_date=$5 AND followup=$6
		LIMIT 1
	`, draft.Target.Type, draft.Target.ID, draft.UserName, draft.UserEmail, draft.SubmitDate, draft.Followup))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, false, nil
	}
	if err != nil {
		return Comment{}, false, fmt.Errorf("find submission: %w", err)
	}
	return item, true, nil
}

func (t *pgPlacementTx) LastOrder(ctx context.Context, target Target) (int, error) {
	var last int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(thread_order), 0) FROM comments WHERE target_type=$1 AND target_id=$2
	`, target.Type, target.ID).Scan(&last)
	return last, err
}

func (t *pgPlacementTx) LastOrderInSubtree(ctx context.Context, parent Comment) (int, error) {
	// The subtree ends right before the first later comment that is not
	// deeper than parent.
	var next sql.NullInt64
	err := t.tx.QueryRowContext(ctx, `
		SELECT MIN(thread_order) FROM comments
		WHERE thread_id=$1 AND thread_order > $2 AND level <= $3
	`, parent.ThreadID, parent.Order, parent.Level).Scan(&next)
	if err != nil {
		return 0, err
	}
	if next.Valid {
		return int(next.Int64) - 1, nil
	}
	var last int
	err = t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(thread_order), $2) FROM comments WHERE thread_id=$1
	`, parent.ThreadID, parent.Order).Scan(&last)
	return last, err
}

func (t *pgPlacementTx) ShiftOrders(ctx context.Context, threadID int64, from int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE comments SET thread_order = thread_order + 1
		WHERE thread_id=$1 AND thread_order >= $2
	`, threadID, from)
	return err
}

func (t *pgPlacementTx) Insert(ctx context.Context, c Comment) (Comment, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO comments (
			target_type, target_id, user_id, user_name, user_email, user_url, body, ip_address,
			submit_date, thread_id, parent_id, level, thread_order, is_public, is_removed, followup
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`,
		c.Target.Type, c.Target.ID, c.UserID, c.UserName, c.UserEmail, c.UserURL, c.Body, c.IPAddress,
		c.SubmitDate, c.ThreadID, c.ParentID, c.Level, c.Order, c.IsPublic, c.IsRemoved, c.Followup,
	).Scan(&c.ID)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	if c.ThreadID == 0 {
		c.ThreadID = c.ID
		if _, err := t.tx.ExecContext(ctx, `UPDATE comments SET thread_id=id WHERE id=$1`, c.ID); err != nil {
			return Comment{}, fmt.Errorf("open thread %d: %w", c.ID, err)
		}
	}
	return c, nil
}

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// TableTarget resolves targets of one type against a host table keyed by id.
type TableTarget struct {
	db    *sql.DB
	table string
}

func NewTableTarget(db *sql.DB, table string) (*TableTarget, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid target table name %q", table)
	}
	return &TableTarget{db: db, table: table}, nil
}

// Exists reports whether a row with the given id exists.
func (t *TableTarget) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := t.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+t.table+` WHERE id::text=$1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup %s %s: %w", t.table, id, err)
	}
	return exists, nil
}

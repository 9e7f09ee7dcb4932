package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/kimhsiao/pendingsync/internal/errors"
	"github.com/kimhsiao/pendingsync/internal/models"
)

// Entity constrains a pointer type P to *T implementing models.Persisted,
// so a Table can allocate fresh values without reflection.
type Entity[T any] interface {
	*T
	models.Persisted
}

// Table provides compile-time-checked CRUD for one entity type.
type Table[T any, P Entity[T]] struct {
	store   *Store
	name    string
	columns []string
	hasAcct bool

	selectSQL string
}

// NewTable builds the statements for P's table.
func NewTable[T any, P Entity[T]](store *Store) *Table[T, P] {
	var zero T
	p := P(&zero)

	columns := p.Columns()
	all := append(append([]string{}, models.BaseColumns...), columns...)

	t := &Table[T, P]{
		store:     store,
		name:      p.TableName(),
		columns:   columns,
		selectSQL: fmt.Sprintf("SELECT %s FROM %s", strings.Join(all, ", "), p.TableName()),
	}
	for _, c := range columns {
		if c == "account_id" {
			t.hasAcct = true
		}
	}
	return t
}

// Name returns the table name.
func (t *Table[T, P]) Name() string {
	return t.name
}

// Store returns the store the table writes to.
func (t *Table[T, P]) Store() *Store {
	return t.store
}

// scanner matches *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (t *Table[T, P]) targets(p P) []interface{} {
	meta := p.Meta()
	return append([]interface{}{&meta.ID, &meta.CreatedAt, &meta.LastModified, &meta.RowVersion, &meta.SchemaVersion}, p.Pointers()...)
}

func (t *Table[T, P]) scan(sc scanner) (P, error) {
	p := P(new(T))
	if err := sc.Scan(t.targets(p)...); err != nil {
		return nil, err
	}
	return p, nil
}

// =====================================================
// Writes
// =====================================================

// Insert persists a new record, assigning its ID, timestamps and schema
// generation. A record that already has an ID is rejected.
func (t *Table[T, P]) Insert(ctx context.Context, p P) error {
	meta := p.Meta()
	if meta.ID != 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "%s: record %d already inserted", t.name, meta.ID)
	}

	now := t.store.Now().UTC().UnixMilli()
	cols := append([]string{"created_at", "last_modified", "row_version", "schema_version"}, t.columns...)
	args := append([]interface{}{now, now, 0, t.store.SchemaVersion()}, p.Values()...)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(cols, ", "), placeholders(len(cols)))

	res, err := t.store.Exec(ctx, query, args...)
	if err != nil {
		return t.wrap("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return t.wrap("insert", err)
	}

	meta.ID = id
	meta.CreatedAt = now
	meta.LastModified = now
	meta.RowVersion = 0
	meta.SchemaVersion = t.store.SchemaVersion()
	return nil
}

// Update writes every column unconditionally and bumps the row version.
// Use UpdateWithOCApply when the write depends on what was read.
func (t *Table[T, P]) Update(ctx context.Context, p P) error {
	meta := p.Meta()
	if meta.ID == 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "%s: cannot update a record that was never inserted", t.name)
	}

	now := t.store.Now().UTC().UnixMilli()
	args := append([]interface{}{now}, p.Values()...)
	args = append(args, meta.ID)
	query := fmt.Sprintf("UPDATE %s SET last_modified = ?, row_version = row_version + 1, %s WHERE id = ? RETURNING row_version",
		t.name, assignments(t.columns))

	var version int
	err := t.store.scanRow(ctx, true, query, args, []interface{}{&version})
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Newf(apperrors.ErrNotFound, "%s: record %d not found", t.name, meta.ID)
	}
	if err != nil {
		return t.wrap("update", err)
	}

	meta.LastModified = now
	meta.RowVersion = version
	return nil
}

// updateIfVersion writes p only if the stored row is still at expected,
// setting the stored version to expected+1.
func (t *Table[T, P]) updateIfVersion(ctx context.Context, p P, expected int) (Outcome, error) {
	meta := p.Meta()
	now := t.store.Now().UTC().UnixMilli()

	args := append([]interface{}{now, expected + 1}, p.Values()...)
	args = append(args, meta.ID, expected)
	query := fmt.Sprintf("UPDATE %s SET last_modified = ?, row_version = ?, %s WHERE id = ? AND row_version = ?",
		t.name, assignments(t.columns))

	res, err := t.store.Exec(ctx, query, args...)
	if err != nil {
		if isBusyErr(err) {
			return OutcomeBusy, err
		}
		return OutcomeFatal, t.wrap("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return OutcomeFatal, t.wrap("update", err)
	}
	if n == 0 {
		return OutcomeConflict, nil
	}

	meta.LastModified = now
	meta.RowVersion = expected + 1
	return OutcomeCommitted, nil
}

// Delete removes a persisted record.
func (t *Table[T, P]) Delete(ctx context.Context, p P) error {
	if p.Meta().ID == 0 {
		return apperrors.Newf(apperrors.ErrInvalid, "%s: cannot delete a record that was never inserted", t.name)
	}
	return t.DeleteByID(ctx, p.Meta().ID)
}

// DeleteByID removes the record with the given ID.
func (t *Table[T, P]) DeleteByID(ctx context.Context, id int64) error {
	res, err := t.store.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.name), id)
	if err != nil {
		return t.wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t.wrap("delete", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "%s: record %d not found", t.name, id)
	}
	return nil
}

// =====================================================
// Reads
// =====================================================

// QueryByID returns the record with the given ID.
func (t *Table[T, P]) QueryByID(ctx context.Context, id int64) (P, error) {
	return t.QueryOne(ctx, "id = ?", id)
}

// QueryByAccountID returns every record of an account, oldest first.
func (t *Table[T, P]) QueryByAccountID(ctx context.Context, accountID int64) ([]P, error) {
	if !t.hasAcct {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "%s has no account_id column", t.name)
	}
	return t.Query(ctx, "account_id = ? ORDER BY id", accountID)
}

// Query returns the records matching where, which may carry ORDER BY and
// LIMIT clauses. An empty where selects everything.
func (t *Table[T, P]) Query(ctx context.Context, where string, args ...interface{}) ([]P, error) {
	query := t.selectSQL
	if where != "" {
		query += " WHERE " + where
	}

	rows, err := t.store.Query(ctx, query, args...)
	if err != nil {
		return nil, t.wrap("query", err)
	}
	defer rows.Close()

	var out []P
	for rows.Next() {
		p, err := t.scan(rows)
		if err != nil {
			return nil, t.wrap("scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, t.wrap("query", err)
	}
	return out, nil
}

// QueryOne returns the first record matching where, or NOT_FOUND.
func (t *Table[T, P]) QueryOne(ctx context.Context, where string, args ...interface{}) (P, error) {
	p := P(new(T))
	err := t.store.ScanRow(ctx, t.selectSQL+" WHERE "+where+" LIMIT 1", args, t.targets(p)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s: no record matches %q", t.name, where)
	}
	if err != nil {
		return nil, t.wrap("query", err)
	}
	return p, nil
}

// Count returns the number of records matching where.
func (t *Table[T, P]) Count(ctx context.Context, where string, args ...interface{}) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", t.name)
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := t.store.ScanRow(ctx, query, args, &n); err != nil {
		return 0, t.wrap("count", err)
	}
	return n, nil
}

// wrap tags storage failures with the table and action. Errors that
// already carry a code, and busy errors, keep their identity.
func (t *Table[T, P]) wrap(action string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) || IsBusy(err) {
		return err
	}
	if strings.Contains(err.Error(), "constraint failed") {
		return apperrors.Wrap(apperrors.ErrConstraint, fmt.Sprintf("%s %s", t.name, action), err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("%s %s", t.name, action), err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func assignments(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, ", ")
}

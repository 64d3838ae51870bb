package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_releases.sql
var sqliteMigration string

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists records in an SQLite database. It suits single-node
// operators running deployctl from one machine.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn. Use ":memory:"
// for a throwaway ledger.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; activation relies on it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO releases (id, project, env, revision, status, backup_handle, reason, restored_from, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Project, rec.Env, rec.Revision, string(rec.Status), rec.BackupHandle,
		rec.Reason, rec.RestoredFrom, rec.Color, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return err
}

const selectColumns = `id, project, env, revision, status, backup_handle, reason, restored_from, color, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec              Record
		status           string
		created, updated string
	)
	if err := row.Scan(&rec.ID, &rec.Project, &rec.Env, &rec.Revision, &status, &rec.BackupHandle,
		&rec.Reason, &rec.RestoredFrom, &rec.Color, &created, &updated); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM releases WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func (s *SQLiteStore) History(ctx context.Context, project, env string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM releases
		WHERE project = ? AND env = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, project, env, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Activate(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var project, env, status string
	err = tx.QueryRowContext(ctx, `SELECT project, env, status FROM releases WHERE id = ?`, id).Scan(&project, &env, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusPending {
		return &ConsistencyError{ReleaseID: id, Status: Status(status), Op: "activate"}
	}
	ts := formatTime(at)
	if _, err := tx.ExecContext(ctx, `
		UPDATE releases SET status = 'superseded', updated_at = ?
		WHERE project = ? AND env = ? AND status = 'active'`, ts, project, env); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE releases SET status = 'active', updated_at = ?
		WHERE id = ? AND status = 'pending'`, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return &ConsistencyError{ReleaseID: id, Status: Status(status), Op: "activate"}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, from []Status, to Status, reason string, at time.Time) error {
	args := []any{string(to), reason, formatTime(at), id}
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE releases SET status = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &ConsistencyError{ReleaseID: id, Status: rec.Status, Op: "mark " + string(to)}
}

func (s *SQLiteStore) SetBackupHandle(ctx context.Context, id, handle string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE releases SET backup_handle = ? WHERE id = ?`, handle, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM releases WHERE id = ? AND status != 'active'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &ConsistencyError{ReleaseID: id, Status: rec.Status, Op: "purge"}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

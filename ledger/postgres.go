package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresMigration = `
CREATE TABLE IF NOT EXISTS releases (
    id            TEXT PRIMARY KEY,
    project       TEXT NOT NULL,
    env           TEXT NOT NULL,
    revision      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    backup_handle TEXT NOT NULL DEFAULT '',
    reason        TEXT NOT NULL DEFAULT '',
    restored_from TEXT NOT NULL DEFAULT '',
    color         TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_releases_project_env ON releases (project, env, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_releases_one_active ON releases (project, env) WHERE status = 'active';
`

// uniqueViolation is the SQLSTATE raised when a second active row would be
// created for the same project+environment.
const uniqueViolation = "23505"

// PostgresStore persists records in PostgreSQL. Several operators can share
// one ledger; the partial unique index keeps a single active row per
// project+environment even across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO releases (id, project, env, revision, status, backup_handle, reason, restored_from, color, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.Project, rec.Env, rec.Revision, string(rec.Status), rec.BackupHandle,
		rec.Reason, rec.RestoredFrom, rec.Color, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func scanPGRecord(row pgx.Row) (Record, error) {
	var (
		rec    Record
		status string
	)
	if err := row.Scan(&rec.ID, &rec.Project, &rec.Env, &rec.Revision, &status, &rec.BackupHandle,
		&rec.Reason, &rec.RestoredFrom, &rec.Color, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanPGRecord(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM releases WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func (s *PostgresStore) History(ctx context.Context, project, env string, limit int) ([]Record, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM releases
		WHERE project = $1 AND env = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, project, env, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Activate(ctx context.Context, id string, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var project, env, status string
	err = tx.QueryRow(ctx, `SELECT project, env, status FROM releases WHERE id = $1 FOR UPDATE`, id).Scan(&project, &env, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusPending {
		return &ConsistencyError{ReleaseID: id, Status: Status(status), Op: "activate"}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE releases SET status = 'superseded', updated_at = $1
		WHERE project = $2 AND env = $3 AND status = 'active'`, at, project, env); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE releases SET status = 'active', updated_at = $1 WHERE id = $2`, at, id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &ConsistencyError{ReleaseID: id, Status: StatusPending, Op: "activate"}
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from []Status, to Status, reason string, at time.Time) error {
	fromText := make([]string, len(from))
	for i, st := range from {
		fromText[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE releases SET status = $1, reason = $2, updated_at = $3
		WHERE id = $4 AND status = ANY($5)`, string(to), reason, at, id, fromText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &ConsistencyError{ReleaseID: id, Status: rec.Status, Op: "mark " + string(to)}
}

func (s *PostgresStore) SetBackupHandle(ctx context.Context, id, handle string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE releases SET backup_handle = $1 WHERE id = $2`, handle, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM releases WHERE id = $1 AND status != 'active'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &ConsistencyError{ReleaseID: id, Status: rec.Status, Op: "purge"}
}

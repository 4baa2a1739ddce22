package intake

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "geopro").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("intake: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("intake: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "geopro",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("intake: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const recordColumns = `upload_id, ts, filename, sha256, prop_id, status, file_path`

// Stage appends rec to the staging log.
func (s *PostgresStore) Stage(ctx context.Context, rec Record) error {
	return s.insert(ctx, "sync_staging", rec)
}

// AppendAudit appends rec directly to the audit log.
func (s *PostgresStore) AppendAudit(ctx context.Context, rec Record) error {
	return s.insert(ctx, "sync_audit", rec)
}

func (s *PostgresStore) insert(ctx context.Context, table string, rec Record) error {
	if s == nil || s.pool == nil {
		return errors.New("intake: nil store")
	}
	if rec.UploadID == "" {
		return errors.New("intake: missing upload id")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, table)+` (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.UploadID, rec.Timestamp, rec.Filename, rec.SHA256, rec.PropID, rec.Status, rec.FilePath,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// GetStaged returns the staging entry for uploadID.
func (s *PostgresStore) GetStaged(ctx context.Context, uploadID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM `+pgIdent(s.schema, "sync_staging")+` WHERE upload_id = $1`,
		uploadID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// ListStaged returns the staging log ordered by timestamp.
func (s *PostgresStore) ListStaged(ctx context.Context) ([]Record, error) {
	return s.list(ctx, "sync_staging")
}

// Approve marks the staged row APPROVED and copies it to the audit log in
// one transaction.
func (s *PostgresStore) Approve(ctx context.Context, uploadID string) (Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	staging := pgIdent(s.schema, "sync_staging")

	row := tx.QueryRow(ctx,
		`UPDATE `+staging+` SET status = $2 WHERE upload_id = $1 RETURNING `+recordColumns,
		uploadID, StatusApproved,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "sync_audit")+` (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.UploadID, rec.Timestamp, rec.Filename, rec.SHA256, rec.PropID, rec.Status, rec.FilePath,
	); err != nil {
		return Record{}, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Rollback moves the audit row for uploadID to the rollback log in one
// transaction.
func (s *PostgresStore) Rollback(ctx context.Context, uploadID string) (Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`DELETE FROM `+pgIdent(s.schema, "sync_audit")+` WHERE upload_id = $1 RETURNING `+recordColumns,
		uploadID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "sync_rollback")+` (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.UploadID, rec.Timestamp, rec.Filename, rec.SHA256, rec.PropID, rec.Status, rec.FilePath,
	); err != nil {
		return Record{}, fmt.Errorf("insert rollback: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Logs returns snapshots of all three logs.
func (s *PostgresStore) Logs(ctx context.Context) ([]Record, []Record, []Record, error) {
	staged, err := s.list(ctx, "sync_staging")
	if err != nil {
		return nil, nil, nil, err
	}
	approved, err := s.list(ctx, "sync_audit")
	if err != nil {
		return nil, nil, nil, err
	}
	rolledBack, err := s.list(ctx, "sync_rollback")
	if err != nil {
		return nil, nil, nil, err
	}
	return staged, approved, rolledBack, nil
}

func (s *PostgresStore) list(ctx context.Context, table string) ([]Record, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("intake: nil store")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM `+pgIdent(s.schema, table)+` ORDER BY ts ASC`,
	)
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

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.UploadID,
		&rec.Timestamp,
		&rec.Filename,
		&rec.SHA256,
		&rec.PropID,
		&rec.Status,
		&rec.FilePath,
	)
	return rec, err
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

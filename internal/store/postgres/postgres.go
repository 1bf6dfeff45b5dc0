// Package postgres is the PostgreSQL + pgvector storage backend.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// uniqueViolation is the SQLSTATE for a unique constraint collision.
const uniqueViolation = "23505"

// Store manages the PostgreSQL connection pool and pgvector operations.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			group_name TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_encodings (
			identity_id TEXT PRIMARY KEY REFERENCES identities(id) ON DELETE CASCADE,
			embedding VECTOR(128) NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS school_days (
			day DATE PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS attendance (
			id BIGSERIAL PRIMARY KEY,
			identity_id TEXT NOT NULL REFERENCES identities(id),
			day DATE NOT NULL,
			group_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			marked_at TIMESTAMPTZ NOT NULL,
			UNIQUE (identity_id, day)
		);
		CREATE INDEX IF NOT EXISTS attendance_day_idx ON attendance (day);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func toVector(vec []float64) pgvector.Vector {
	f := make([]float32, len(vec))
	for i, v := range vec {
		f[i] = float32(v)
	}
	return pgvector.NewVector(f)
}

func fromVector(v pgvector.Vector) []float64 {
	s := v.Slice()
	out := make([]float64, len(s))
	for i, x := range s {
		out[i] = float64(x)
	}
	return out
}

// AllEncodings returns every stored encoding ordered by identity id.
func (s *Store) AllEncodings(ctx context.Context) ([]types.FaceEncoding, error) {
	rows, err := s.pool.Query(ctx, `SELECT identity_id, embedding FROM face_encodings ORDER BY identity_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FaceEncoding
	for rows.Next() {
		var id string
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, err
		}
		out = append(out, types.FaceEncoding{IdentityID: id, Vector: fromVector(vec)})
	}
	return out, rows.Err()
}

// UpsertEncoding stores vec, creating an active identity named after the id if needed.
func (s *Store) UpsertEncoding(ctx context.Context, identityID string, vec []float64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO identities (id, display_name) VALUES ($1, $1)
		ON CONFLICT (id) DO NOTHING
	`, identityID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO face_encodings (identity_id, embedding, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = NOW()
	`, identityID, toVector(vec)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ResolveIdentity(ctx context.Context, id string) (types.Identity, error) {
	var ident types.Identity
	err := s.pool.QueryRow(ctx,
		`SELECT id, display_name, group_name, active FROM identities WHERE id = $1`, id,
	).Scan(&ident.ID, &ident.DisplayName, &ident.Group, &ident.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Identity{}, attendance.ErrIdentityNotFound
	}
	return ident, err
}

func (s *Store) UpsertIdentity(ctx context.Context, ident types.Identity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identities (id, display_name, group_name, active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name, group_name = EXCLUDED.group_name, active = EXCLUDED.active
	`, ident.ID, ident.DisplayName, ident.Group, ident.Active)
	return err
}

// RenameIdentity updates the display name of a known identity.
func (s *Store) RenameIdentity(ctx context.Context, id, displayName string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE identities SET display_name = $1 WHERE id = $2", displayName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return attendance.ErrIdentityNotFound
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]types.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, display_name, group_name, active FROM identities ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Identity
	for rows.Next() {
		var ident types.Identity
		if err := rows.Scan(&ident.ID, &ident.DisplayName, &ident.Group, &ident.Active); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// WithinTx runs fn in a transaction. The Tx takes a transaction-scoped
// advisory lock on (identity, day) before reading, so concurrent kiosks
// serialise on the same key; the unique index backs it up.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context, attendance.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx     pgx.Tx
	locked map[string]bool
}

func (t *pgTx) lock(ctx context.Context, identityID string, date types.Date) error {
	key := identityID + "|" + string(date)
	if t.locked[key] {
		return nil
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	if t.locked == nil {
		t.locked = make(map[string]bool)
	}
	t.locked[key] = true
	return nil
}

func (t *pgTx) HasRecord(ctx context.Context, identityID string, date types.Date) (bool, error) {
	if err := t.lock(ctx, identityID, date); err != nil {
		return false, err
	}
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM attendance WHERE identity_id = $1 AND day = $2::date)`,
		identityID, string(date),
	).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertSchoolDayIfAbsent(ctx context.Context, date types.Date) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO school_days (day) VALUES ($1::date) ON CONFLICT (day) DO NOTHING`, string(date))
	return err
}

func (t *pgTx) InsertAttendance(ctx context.Context, rec types.AttendanceRecord) error {
	if err := t.lock(ctx, rec.IdentityID, rec.Date); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO attendance (identity_id, day, group_name, status, marked_at)
		VALUES ($1, $2::date, $3, $4, $5)
	`, rec.IdentityID, string(rec.Date), rec.Group, string(rec.Status), rec.MarkedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return attendance.ErrDuplicate
	}
	return err
}

func (s *Store) CountPresent(ctx context.Context, identityID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attendance WHERE identity_id = $1 AND status = $2`,
		identityID, string(types.StatusPresent),
	).Scan(&n)
	return n, err
}

func (s *Store) CountSchoolDays(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM school_days`).Scan(&n)
	return n, err
}

func (s *Store) Records(ctx context.Context, date types.Date) ([]types.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity_id, day::text, group_name, status, marked_at
		FROM attendance WHERE day = $1::date ORDER BY identity_id ASC
	`, string(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.AttendanceRecord
	for rows.Next() {
		var rec types.AttendanceRecord
		var day, status string
		if err := rows.Scan(&rec.IdentityID, &day, &rec.Group, &status, &rec.MarkedAt); err != nil {
			return nil, err
		}
		rec.Date, rec.Status = types.Date(day), types.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) SchoolDays(ctx context.Context) ([]types.SchoolDay, error) {
	rows, err := s.pool.Query(ctx, `SELECT day::text FROM school_days ORDER BY day ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SchoolDay
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		out = append(out, types.SchoolDay{Date: types.Date(day)})
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state and
// recreates the schema. This is useful for development without migrations.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS attendance CASCADE;
		DROP TABLE IF EXISTS school_days CASCADE;
		DROP TABLE IF EXISTS face_encodings CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`); err != nil {
		return err
	}
	return initSchema(ctx, s.pool)
}

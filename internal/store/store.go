// Package store selects a storage backend from a connection string.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/encoding"
	"github.com/andresmejia3/rollcall/internal/store/memory"
	"github.com/andresmejia3/rollcall/internal/store/postgres"
	"github.com/andresmejia3/rollcall/internal/store/sqlite"
	"github.com/andresmejia3/rollcall/internal/types"
)

// Backend is everything the commands need from storage.
type Backend interface {
	encoding.Source
	encoding.Sink
	attendance.Directory
	attendance.Store
	attendance.ReportStore

	UpsertIdentity(ctx context.Context, ident types.Identity) error
	RenameIdentity(ctx context.Context, id, displayName string) error
	ListIdentities(ctx context.Context) ([]types.Identity, error)
	Records(ctx context.Context, date types.Date) ([]types.AttendanceRecord, error)
	SchoolDays(ctx context.Context) ([]types.SchoolDay, error)
	Reset(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*memory.Store)(nil)
	_ Backend = (*sqlite.Store)(nil)
	_ Backend = (*postgres.Store)(nil)
)

// Open picks the backend from the connection string:
// postgres:// or postgresql:// for PostgreSQL, sqlite://<path> or a path
// ending in .db for SQLite, memory:// for the in-process store.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.New(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.New(ctx, strings.TrimPrefix(dsn, "sqlite://"), logger)
	case strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return sqlite.New(ctx, dsn, logger)
	case dsn == "memory://":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported database %q (want postgres://, sqlite://, *.db or memory://)", dsn)
	}
}

// Kind names the backend a connection string selects, for log lines.
func Kind(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres"):
		return "postgres"
	case dsn == "memory://":
		return "memory"
	default:
		return "sqlite"
	}
}

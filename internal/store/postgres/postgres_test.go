//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/encoding"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupStore starts a pgvector container. It requires Docker and skips without it.
func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "pgvector/pgvector:pg16",
		tcpostgres.WithDatabase("rollcall_test"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	s := setupStore(t)
	ctx := context.Background()

	// --- Encodings ---
	vecA := make([]float64, encoding.Dim)
	vecA[0] = 1.0
	vecB := make([]float64, encoding.Dim)
	vecB[1] = 0.25
	require.NoError(t, s.UpsertEncoding(ctx, "1002", vecB))
	require.NoError(t, s.UpsertEncoding(ctx, "1001", vecA))

	encs, err := s.AllEncodings(ctx)
	require.NoError(t, err)
	require.Len(t, encs, 2)
	assert.Equal(t, "1001", encs[0].IdentityID, "ordered by identity id")
	assert.InDelta(t, 1.0, encs[0].Vector[0], 1e-6)
	assert.InDelta(t, 0.25, encs[1].Vector[1], 1e-6)

	// --- Identities ---
	ident, err := s.ResolveIdentity(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, ident.Active, "enrollment creates an active identity")

	require.NoError(t, s.UpsertIdentity(ctx, types.Identity{ID: "1001", DisplayName: "Alice", Group: "7A", Active: true}))
	require.NoError(t, s.RenameIdentity(ctx, "1002", "Bob"))
	assert.ErrorIs(t, s.RenameIdentity(ctx, "9999", "Nobody"), attendance.ErrIdentityNotFound)

	_, err = s.ResolveIdentity(ctx, "9999")
	assert.ErrorIs(t, err, attendance.ErrIdentityNotFound)

	idents, err := s.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, idents, 2)
	assert.Equal(t, "Alice", idents[0].DisplayName)
	assert.Equal(t, "Bob", idents[1].DisplayName)

	// --- Attendance under contention ---
	rec := attendance.NewRecorder(s, s, attendance.WithLocation(time.UTC))
	var wg sync.WaitGroup
	var mu sync.Mutex
	marked := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := rec.Commit(ctx, "1001")
			assert.NoError(t, err)
			if out.Status == attendance.StatusMarked {
				mu.Lock()
				marked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, marked)

	present, err := s.CountPresent(ctx, "1001")
	require.NoError(t, err)
	assert.Equal(t, 1, present)
	days, err := s.CountSchoolDays(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, days)

	records, err := s.Records(ctx, rec.Today())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "7A", records[0].Group)

	// --- Duplicate insert maps to ErrDuplicate ---
	err = s.WithinTx(ctx, func(ctx context.Context, tx attendance.Tx) error {
		return tx.InsertAttendance(ctx, records[0])
	})
	assert.ErrorIs(t, err, attendance.ErrDuplicate)

	// --- Reset ---
	require.NoError(t, s.Reset(ctx))
	encs, err = s.AllEncodings(ctx)
	require.NoError(t, err)
	assert.Empty(t, encs)
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}

// Package dbtest opens a migrated PostgreSQL pool for integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kenneth/secure-image-vault/internal/database"
)

// EnvDSN names the variable that enables PostgreSQL integration tests.
const EnvDSN = "VAULT_TEST_DATABASE_DSN"

// Open returns a pool on a freshly migrated database, or skips the test when
// EnvDSN is unset. Tables are truncated before the test runs.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvDSN)
	if dsn == "" {
		t.Skipf("%s not set, skipping PostgreSQL integration test", EnvDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.Migrate(ctx, dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pool, err := database.Connect(ctx, dsn, database.Options{MaxConns: 4})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, `TRUNCATE upload_records, audit_entries, key_material, key_rotations`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

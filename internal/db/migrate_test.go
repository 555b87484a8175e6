package db_test

import (
	"context"
	"testing"

	"stronghold/internal/db"
	"stronghold/internal/db/testutil"
)

func TestMigrate_EmptyDatabase(t *testing.T) {
	tdb := testutil.NewBareTestDB(t)
	defer tdb.Close(t)

	database := db.NewFromPool(tdb.Pool)
	ctx := context.Background()

	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed on empty database: %v", err)
	}

	// Verify schema_migrations table exists and has entries
	var count int
	err := tdb.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query schema_migrations: %v", err)
	}
	if count == 0 {
		t.Fatal("Expected at least one migration to be recorded")
	}

	// Verify the x402_kv_entries table was created (from 001_x402_kv)
	var exists bool
	err = tdb.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'x402_kv_entries'
		)
	`).Scan(&exists)
	if err != nil {
		t.Fatalf("Failed to check x402_kv_entries table: %v", err)
	}
	if !exists {
		t.Fatal("Expected x402_kv_entries table to exist after migration")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	tdb := testutil.NewBareTestDB(t)
	defer tdb.Close(t)

	database := db.NewFromPool(tdb.Pool)
	ctx := context.Background()

	// Run migrations twice
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("First Migrate call failed: %v", err)
	}
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Second Migrate call failed (not idempotent): %v", err)
	}

	// Verify only one record per migration
	var count int
	err := tdb.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = '001_x402_kv'").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected exactly 1 record for 001_x402_kv, got %d", count)
	}
}

func TestMigrate_AppliesAllMigrations(t *testing.T) {
	tdb := testutil.NewBareTestDB(t)
	defer tdb.Close(t)

	database := db.NewFromPool(tdb.Pool)
	ctx := context.Background()

	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	for _, version := range []string{"001_x402_kv", "002_settlement_retries"} {
		var tracked bool
		err := tdb.Pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)
		`, version).Scan(&tracked)
		if err != nil {
			t.Fatalf("Failed to query schema_migrations for %s: %v", version, err)
		}
		if !tracked {
			t.Fatalf("Expected %s to be tracked after Migrate", version)
		}
	}

	for _, table := range []string{"x402_kv_entries", "x402_settlement_retries"} {
		var exists bool
		err := tdb.Pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("Failed to check %s table: %v", table, err)
		}
		if !exists {
			t.Fatalf("Expected %s table to exist after migration", table)
		}
	}
}

func TestMigrate_IncrementalOnly(t *testing.T) {
	tdb := testutil.NewBareTestDB(t)
	defer tdb.Close(t)

	database := db.NewFromPool(tdb.Pool)
	ctx := context.Background()

	// Apply all migrations
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	// Count applied migrations
	var countBefore int
	err := tdb.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&countBefore)
	if err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}

	// Run again — count should not change
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Second Migrate failed: %v", err)
	}

	var countAfter int
	err = tdb.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&countAfter)
	if err != nil {
		t.Fatalf("Failed to count migrations after second run: %v", err)
	}

	if countBefore != countAfter {
		t.Fatalf("Expected migration count to stay at %d, got %d", countBefore, countAfter)
	}
}

//go:build integration

package integration

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// TestDB manages a disposable database instance for integration tests.
type TestDB struct {
	Pool *pgxpool.Pool
	DSN  string
}

// SetupTestDB creates a fresh test database with migrations applied.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "quarry")
	password := getEnv("POSTGRES_PASSWORD", "quarry")
	dbName := getEnv("POSTGRES_DB", "quarry_test")

	adminDSN := fmt.Sprintf("postgres://%s:%s@%s:%s/postgres?sslmode=disable",
		user, password, host, port)

	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	// Drop and recreate for a clean state
	_, err = db.Exec(fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbName))
	if err != nil {
		t.Fatalf("failed to drop test database: %v", err)
	}

	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE %s", dbName))
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, dbName)

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := runMigrations(pool); err != nil {
		pool.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	testDB := &TestDB{
		Pool: pool,
		DSN:  dsn,
	}

	t.Cleanup(func() {
		pool.Close()
	})

	return testDB
}

// runMigrations applies all migrations to the test database
func runMigrations(pool *pgxpool.Pool) error {
	ctx := context.Background()

	migrations := []string{
		"migrations/001_init.up.sql",
	}

	for _, migration := range migrations {
		content, err := os.ReadFile(migration)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", migration, err)
		}

		_, err = pool.Exec(ctx, string(content))
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", migration, err)
		}
	}

	return nil
}

// Clear removes all data from tables while preserving schema. Children
// first so foreign keys never block the truncate.
func (db *TestDB) Clear(ctx context.Context) error {
	tables := []string{
		"quarry_run_log",
		"quarry_quotes",
		"quarry_claim_evidence",
		"quarry_slot_items",
		"quarry_reasoning_subqueries",
		"quarry_reasoning_steps",
		"quarry_slots",
		"quarry_messages",
		"quarry_conversations",
		"quarry_discovered_links",
		"quarry_chunks",
		"quarry_pages",
		"quarry_sources",
	}

	for _, table := range tables {
		_, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	return nil
}

// GetConnection returns a new connection from the pool
func (db *TestDB) GetConnection(ctx context.Context) (*pgxpool.Conn, error) {
	return db.Pool.Acquire(ctx)
}

// WaitForReady waits for the database to accept connections.
func (db *TestDB) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		err := db.Pool.Ping(ctx)
		if err == nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("database not ready after %v", timeout)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

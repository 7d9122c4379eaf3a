package helpers

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/vendra/field-sales/erp-orchestrator/internal/models"
	"github.com/vendra/field-sales/erp-orchestrator/internal/persistence"
)

// GetTestDatabasePool creates a database connection pool for testing
func GetTestDatabasePool(ctx context.Context) (*pgxpool.Pool, error) {
	databaseURL := buildDatabaseURL()

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test the connection
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// buildDatabaseURL constructs the database URL from environment variables
func buildDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}

	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}

	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}

	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "postgres"
	}

	dbname := os.Getenv("POSTGRES_DB")
	if dbname == "" {
		dbname = "erp_orchestrator"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=prefer",
		user, password, host, port, dbname)
}

// TestDatabase provides database utilities for testing
type TestDatabase struct {
	Pool  *pgxpool.Pool
	Store *persistence.PGStore
	ctx   context.Context
}

// NewTestDatabase connects to the test database and ensures the schema
// exists. Tests are skipped when no database is reachable so the unit suite
// stays runnable without infrastructure.
func NewTestDatabase(t *testing.T) *TestDatabase {
	ctx := context.Background()

	pool, err := GetTestDatabasePool(ctx)
	if err != nil {
		t.Skipf("Postgres not available, skipping integration test: %v", err)
	}

	store := persistence.NewPGStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		t.Fatalf("Failed to ensure schema: %v", err)
	}

	return &TestDatabase{
		Pool:  pool,
		Store: store,
		ctx:   ctx,
	}
}

// Close closes the database connection
func (db *TestDatabase) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CreateTestUser creates a user with a bcrypt-hashed password and returns
// the user ID. Each test should use a unique email; rows are cleaned up with
// DeleteTestUser.
func (db *TestDatabase) CreateTestUser(t *testing.T, email, password string, roles []string) string {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	if len(roles) == 0 {
		roles = []string{"user"}
	}

	var userID string
	err = db.Pool.QueryRow(db.ctx, `
		INSERT INTO users (name, email, hashed_password, roles)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, "Test User", email, string(hashed), roles).Scan(&userID)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	return userID
}

// DeleteTestUser removes a user created by CreateTestUser.
func (db *TestDatabase) DeleteTestUser(t *testing.T, userID string) {
	if _, err := db.Pool.Exec(db.ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
		t.Logf("Warning: failed to delete test user %s: %v", userID, err)
	}
}

// SeedRecords writes n records of kind stamped with syncHash.
func (db *TestDatabase) SeedRecords(t *testing.T, kind, syncHash string, n int) {
	records := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, models.Record{
			Kind: kind,
			Key:  fmt.Sprintf("%s-%04d", kind, i),
			Hash: fmt.Sprintf("hash-%04d", i),
			Fields: map[string]interface{}{
				"index": i,
			},
		})
	}
	if err := db.Store.Upsert(db.ctx, records, syncHash); err != nil {
		t.Fatalf("Failed to seed %s records: %v", kind, err)
	}
}

// PurgeKind deletes every record of kind, cleaning up after a test.
func (db *TestDatabase) PurgeKind(t *testing.T, kind string) {
	if _, err := db.Pool.Exec(db.ctx, `DELETE FROM erp_records WHERE kind = $1`, kind); err != nil {
		t.Logf("Warning: failed to purge %s records: %v", kind, err)
	}
}

// RecordCount returns the number of stored records of kind.
func (db *TestDatabase) RecordCount(t *testing.T, kind string) int {
	count, err := db.Store.CountRecords(db.ctx, kind)
	if err != nil {
		t.Fatalf("Failed to count %s records: %v", kind, err)
	}
	return count
}

package testutil

import (
	"testing"
	"time"

	"zrbackup/internal/database"
	"zrbackup/internal/database/migrations"
)

// NewTestDatabase creates a new in-memory SQLite database with migrations
// applied. now may be nil. The database is closed when the test completes.
func NewTestDatabase(t *testing.T, now func() time.Time) *database.SQLiteDatabase {
	t.Helper()

	sqlDB, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := migrations.MigrateUp(sqlDB); err != nil {
		sqlDB.Close()
		t.Fatalf("failed to apply migrations: %v", err)
	}

	db := database.NewSQLiteDatabaseFromDB(sqlDB, now)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

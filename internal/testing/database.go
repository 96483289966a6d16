package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/prompter/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp dir.
// A file is used instead of :memory: because every pooled connection to
// :memory: would see its own empty database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

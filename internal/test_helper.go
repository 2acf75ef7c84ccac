package internal

import (
	"testing"
)

// TestTempDB creates a temporary database for tests.
func TestTempDB(t *testing.T) *DB {
	tmpDir := t.TempDir()
	db, err := OpenDB(tmpDir + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open temp db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

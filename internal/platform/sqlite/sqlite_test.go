package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hxo.db")
	db, err := Open(context.Background(), Config{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("expected wal journal mode, got %q", mode)
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if !strings.Contains((Config{Path: "x.db"}).DSN(), "busy_timeout%285000%29") {
		t.Fatalf("expected default busy timeout in dsn")
	}
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/italolelis/download_manager/internal/logctx"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS downloads (
	key TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	path TEXT NOT NULL,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	progress INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	resume_token BLOB,
	run_id TEXT,
	last_error TEXT,
	version INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// InitDB opens the SQLite database at dbPath and creates the downloads table if
// it doesn't exist. A file that is not a readable database is moved aside and
// replaced by an empty one.
func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	logger := logctx.LoggerFromContext(ctx).With("db_path", dbPath)

	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := open(ctx, dbPath)
	if err == nil {
		return db, nil
	}

	logger.Warn("download database is unreadable, starting empty", "err", err)

	if err := os.Rename(dbPath, dbPath+".corrupt"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to move corrupted database aside: %w", err)
	}

	return open(ctx, dbPath)
}

func open(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// A single connection keeps SQLite writers from contending with each other.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()

		return nil, err
	}

	return db, nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;

CREATE TABLE IF NOT EXISTS downloads (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uri TEXT NOT NULL,
  retry_after INTEGER NOT NULL DEFAULT 0,
  app_data TEXT,
  path TEXT,
  mime_type TEXT,
  destination TEXT,
  control INTEGER NOT NULL DEFAULT 0,
  status INTEGER NOT NULL DEFAULT 0,
  failed_connections INTEGER NOT NULL DEFAULT 0,
  last_modified BIGINT NOT NULL DEFAULT 0,
  owner_package TEXT,
  extras TEXT,
  cookies TEXT,
  user_agent TEXT,
  referer TEXT,
  total_bytes INTEGER NOT NULL DEFAULT -1,
  current_bytes INTEGER NOT NULL DEFAULT 0,
  etag TEXT,
  error_msg TEXT,
  title TEXT,
  description TEXT,
  allowed_network_types INTEGER NOT NULL DEFAULT -1,
  deleted BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_last_modified ON downloads(last_modified);

CREATE TABLE IF NOT EXISTS request_headers (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  download_id INTEGER NOT NULL,
  header TEXT NOT NULL,
  value TEXT NOT NULL,
  FOREIGN KEY(download_id) REFERENCES downloads(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_request_headers_download_id ON request_headers(download_id);
`

// Open opens the SQLite database and ensures schema exists.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureColumn(ctx, db, "etag", "TEXT"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureColumn(ctx, db, "error_msg", "TEXT"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureColumn(ctx context.Context, db *sql.DB, name, colType string) error {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(downloads)`)
	if err != nil {
		return err
	}
	defer rows.Close()
	hasCol := false
	for rows.Next() {
		var cid int
		var colName string
		var ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &colName, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if colName == name {
			hasCol = true
			break
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !hasCol {
		_, err = db.ExecContext(ctx, `ALTER TABLE downloads ADD COLUMN `+name+` `+colType)
		return err
	}
	return nil
}

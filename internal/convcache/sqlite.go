package convcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteIndexSchema = `
CREATE TABLE IF NOT EXISTS conversion_cache (
    cache_key         TEXT PRIMARY KEY,
    document_id       TEXT NOT NULL,
    page_index        INTEGER NOT NULL,
    format            TEXT NOT NULL,
    resolution        TEXT NOT NULL,
    artifact_path     TEXT NOT NULL,
    source_checksum   TEXT NOT NULL DEFAULT '',
    artifact_checksum TEXT NOT NULL DEFAULT '',
    size_bytes        INTEGER NOT NULL DEFAULT 0,
    width             INTEGER NOT NULL DEFAULT 0,
    height            INTEGER NOT NULL DEFAULT 0,
    completed_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversion_cache_document
    ON conversion_cache(document_id);
`

// SQLiteIndex persists cache entries in a local SQLite file so that
// repeated pipeline runs across process restarts stay cheap.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (creating if needed) the index database.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache index %s: %w", path, err)
	}
	// SQLite handles one writer at a time; serialize on a single conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteIndexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache index schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Get retrieves an entry.
func (s *SQLiteIndex) Get(ctx context.Context, key Key) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT document_id, page_index, format, resolution,
		       artifact_path, source_checksum, artifact_checksum,
		       size_bytes, width, height, completed_at
		FROM conversion_cache WHERE cache_key = ?`, key.String())

	var entry Entry
	var completedAt string
	err := row.Scan(
		&entry.Key.DocumentID, &entry.Key.PageIndex, &entry.Key.Format, &entry.Key.Resolution,
		&entry.ArtifactPath, &entry.SourceChecksum, &entry.ArtifactChecksum,
		&entry.SizeBytes, &entry.Width, &entry.Height, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cache index get: %w", err)
	}

	if ts, err := time.Parse(time.RFC3339, completedAt); err == nil {
		entry.CompletedAt = ts
	}
	return &entry, nil
}

// Put upserts an entry.
func (s *SQLiteIndex) Put(ctx context.Context, key Key, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversion_cache (
			cache_key, document_id, page_index, format, resolution,
			artifact_path, source_checksum, artifact_checksum,
			size_bytes, width, height, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			artifact_path     = excluded.artifact_path,
			source_checksum   = excluded.source_checksum,
			artifact_checksum = excluded.artifact_checksum,
			size_bytes        = excluded.size_bytes,
			width             = excluded.width,
			height            = excluded.height,
			completed_at      = excluded.completed_at`,
		key.String(), key.DocumentID, key.PageIndex, key.Format, key.Resolution,
		entry.ArtifactPath, entry.SourceChecksum, entry.ArtifactChecksum,
		entry.SizeBytes, entry.Width, entry.Height,
		entry.CompletedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("cache index put: %w", err)
	}
	return nil
}

// Delete removes an entry, silently ignoring absent keys.
func (s *SQLiteIndex) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversion_cache WHERE cache_key = ?`, key.String()); err != nil {
		return fmt.Errorf("cache index delete: %w", err)
	}
	return nil
}

// DeleteByDocument removes all entries of one document.
func (s *SQLiteIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversion_cache WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("cache index delete by document: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

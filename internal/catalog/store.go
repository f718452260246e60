package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// Driver names a supported backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ParseDriver maps a configuration string to a Driver.
func ParseDriver(s string) (Driver, error) {
	switch s {
	case "sqlite", "sqlite3", "":
		return DriverSQLite, nil
	case "postgres", "postgresql":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (supported: sqlite, postgres)", s)
	}
}

// Store persists catalog records on a relational backend.
type Store struct {
	db     *sql.DB
	driver Driver
	logger *observability.Logger
}

// Open connects a Store to the configured backend. The connection is
// lazy; the first unit of work surfaces reachability problems.
func Open(driver Driver, dsn string, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.DefaultLogger()
	}

	var driverName string
	switch driver {
	case DriverSQLite:
		driverName = "sqlite3"
	case DriverPostgres:
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; serializing on a single
		// connection avoids SQLITE_BUSY under concurrent updates.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, driver: driver, logger: logger}, nil
}

// ConfigurePool tunes the connection pool, for networked backends.
func (s *Store) ConfigurePool(maxOpen, maxIdle int, maxLifetime time.Duration) {
	if s.driver == DriverSQLite {
		return
	}
	if maxOpen > 0 {
		s.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		s.db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		s.db.SetConnMaxLifetime(maxLifetime)
	}
}

// Driver reports which backend the store talks to.
func (s *Store) Driver() Driver {
	return s.driver
}

// Close releases the backend connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &BackendError{Driver: string(s.driver), Err: err}
	}
	return nil
}

// InitSchema creates the catalog tables.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := sqliteSchema
	if s.driver == DriverPostgres {
		ddl = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create catalog schema: %w", err)
	}
	s.logger.Info().Str("driver", string(s.driver)).Msg("Catalog schema ready")
	return nil
}

// DropSchema removes the catalog tables.
func (s *Store) DropSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, dropSchema); err != nil {
		return fmt.Errorf("drop catalog schema: %w", err)
	}
	s.logger.Info().Str("driver", string(s.driver)).Msg("Catalog schema dropped")
	return nil
}

// UpsertDocument inserts or updates one document record.
func (s *Store) UpsertDocument(ctx context.Context, rec *DocumentRecord) error {
	query := `
		INSERT INTO djvu (path, page_count, bundled, iso_date, filesize,
			package_filesize, package_iso_date, dir_pages, valid)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (path) DO UPDATE SET
			page_count = excluded.page_count,
			bundled = excluded.bundled,
			iso_date = excluded.iso_date,
			filesize = excluded.filesize,
			package_filesize = excluded.package_filesize,
			package_iso_date = excluded.package_iso_date,
			dir_pages = excluded.dir_pages,
			valid = excluded.valid
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.Path, rec.PageCount, rec.Bundled, rec.ISODate, rec.FileSize,
		rec.PackageFileSize, rec.PackageISODate, rec.DirPages, rec.Valid,
	)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", rec.Path, err)
	}
	return nil
}

// ReplacePages swaps a document's page records in one transaction.
func (s *Store) ReplacePages(ctx context.Context, djvuPath string, pages []*PageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin page replacement for %s: %w", djvuPath, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM page WHERE djvu_path = $1`, djvuPath); err != nil {
		return fmt.Errorf("clear pages of %s: %w", djvuPath, err)
	}

	insert := `
		INSERT INTO page (page_key, djvu_path, page_index, path, valid,
			width, height, dpi, iso_date, filesize, error_msg, has_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	for _, page := range pages {
		if _, err := tx.ExecContext(ctx, insert,
			page.PageKey, page.DjVuPath, page.PageIndex, page.Path, page.Valid,
			page.Width, page.Height, page.DPI, page.ISODate, page.FileSize,
			page.ErrorMsg, page.HasText,
		); err != nil {
			return fmt.Errorf("insert page %s: %w", page.PageKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit page replacement for %s: %w", djvuPath, err)
	}
	return nil
}

// UpdateDocumentPackage records the packaged archive's size and date.
func (s *Store) UpdateDocumentPackage(ctx context.Context, path string, sizeBytes int64, isoDate string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE djvu SET package_filesize = $1, package_iso_date = $2 WHERE path = $3`,
		sizeBytes, isoDate, path,
	)
	if err != nil {
		return fmt.Errorf("update package fields of %s: %w", path, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveDocument deletes a document and its pages.
func (s *Store) RemoveDocument(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin removal of %s: %w", path, err)
	}
	defer tx.Rollback()

	// Explicit page deletion; sqlite foreign keys are off by default.
	if _, err := tx.ExecContext(ctx, `DELETE FROM page WHERE djvu_path = $1`, path); err != nil {
		return fmt.Errorf("delete pages of %s: %w", path, err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM djvu WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", path, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

const documentColumns = `path, page_count, bundled, iso_date, filesize,
	package_filesize, package_iso_date, dir_pages, valid`

func scanDocument(row interface{ Scan(...any) error }) (*DocumentRecord, error) {
	rec := &DocumentRecord{}
	err := row.Scan(
		&rec.Path, &rec.PageCount, &rec.Bundled, &rec.ISODate, &rec.FileSize,
		&rec.PackageFileSize, &rec.PackageISODate, &rec.DirPages, &rec.Valid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// DocumentByPath retrieves one document record.
func (s *Store) DocumentByPath(ctx context.Context, path string) (*DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM djvu WHERE path = $1`, path)
	return scanDocument(row)
}

// Documents lists document records ordered by path.
func (s *Store) Documents(ctx context.Context, limit int) ([]*DocumentRecord, error) {
	if limit <= 0 {
		limit = 10000000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM djvu ORDER BY path LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var records []*DocumentRecord
	for rows.Next() {
		rec, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PagesByDocument lists a document's page records in page order.
func (s *Store) PagesByDocument(ctx context.Context, djvuPath string) ([]*PageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_key, djvu_path, page_index, path, valid,
			width, height, dpi, iso_date, filesize, error_msg, has_text
		FROM page WHERE djvu_path = $1 ORDER BY page_index`, djvuPath)
	if err != nil {
		return nil, fmt.Errorf("list pages of %s: %w", djvuPath, err)
	}
	defer rows.Close()

	var pages []*PageRecord
	for rows.Next() {
		page := &PageRecord{}
		if err := rows.Scan(
			&page.PageKey, &page.DjVuPath, &page.PageIndex, &page.Path, &page.Valid,
			&page.Width, &page.Height, &page.DPI, &page.ISODate, &page.FileSize,
			&page.ErrorMsg, &page.HasText,
		); err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

package catalog

// The two dialects differ only in type names; column names and
// constraints stay identical so named queries run unchanged on both.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS djvu (
    path             TEXT PRIMARY KEY,
    page_count       INTEGER NOT NULL,
    bundled          BOOLEAN NOT NULL DEFAULT 0,
    iso_date         TEXT NOT NULL,
    filesize         INTEGER NOT NULL,
    package_filesize INTEGER,
    package_iso_date TEXT,
    dir_pages        INTEGER,
    valid            BOOLEAN NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS page (
    page_key   TEXT PRIMARY KEY,
    djvu_path  TEXT NOT NULL REFERENCES djvu(path) ON DELETE CASCADE,
    page_index INTEGER NOT NULL,
    path       TEXT,
    valid      BOOLEAN NOT NULL DEFAULT 0,
    width      INTEGER,
    height     INTEGER,
    dpi        INTEGER,
    iso_date   TEXT,
    filesize   INTEGER,
    error_msg  TEXT,
    has_text   BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_page_djvu_path ON page (djvu_path);
CREATE INDEX IF NOT EXISTS idx_page_valid ON page (valid);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS djvu (
    path             TEXT PRIMARY KEY,
    page_count       INTEGER NOT NULL,
    bundled          BOOLEAN NOT NULL DEFAULT FALSE,
    iso_date         TEXT NOT NULL,
    filesize         BIGINT NOT NULL,
    package_filesize BIGINT,
    package_iso_date TEXT,
    dir_pages        INTEGER,
    valid            BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS page (
    page_key   TEXT PRIMARY KEY,
    djvu_path  TEXT NOT NULL REFERENCES djvu(path) ON DELETE CASCADE,
    page_index INTEGER NOT NULL,
    path       TEXT,
    valid      BOOLEAN NOT NULL DEFAULT FALSE,
    width      INTEGER,
    height     INTEGER,
    dpi        INTEGER,
    iso_date   TEXT,
    filesize   BIGINT,
    error_msg  TEXT,
    has_text   BOOLEAN
);
CREATE INDEX IF NOT EXISTS idx_page_djvu_path ON page (djvu_path);
CREATE INDEX IF NOT EXISTS idx_page_valid ON page (valid);
`

const dropSchema = `
DROP TABLE IF EXISTS page;
DROP TABLE IF EXISTS djvu;
`

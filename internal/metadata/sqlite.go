package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements the Store interface using SQLite as the backing
// database. It provides durable, ACID-compliant metadata storage suitable for
// single-node deployments that outgrow the JSON document store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			id            TEXT PRIMARY KEY,
			original_name TEXT NOT NULL,
			stored_name   TEXT NOT NULL,
			mime_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
			size          INTEGER NOT NULL,
			hash          TEXT NOT NULL,
			uploaded_at   TEXT NOT NULL,
			ttl_seconds   INTEGER NOT NULL,
			expires_at    TEXT NOT NULL,
			file_path     TEXT NOT NULL,
			user_metadata TEXT NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_files_hash ON files(hash);
		CREATE INDEX IF NOT EXISTS idx_files_expires_at ON files(expires_at);
		CREATE INDEX IF NOT EXISTS idx_files_uploaded_at ON files(uploaded_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Save upserts a full record.
func (s *SQLiteStore) Save(ctx context.Context, record *FileRecord) error {
	meta, err := encodeUserMetadata(record.Metadata)
	if err != nil {
		return fmt.Errorf("encoding user metadata for %q: %w", record.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (id, original_name, stored_name, mime_type, size, hash,
			uploaded_at, ttl_seconds, expires_at, file_path, user_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			original_name = excluded.original_name,
			stored_name   = excluded.stored_name,
			mime_type     = excluded.mime_type,
			size          = excluded.size,
			hash          = excluded.hash,
			uploaded_at   = excluded.uploaded_at,
			ttl_seconds   = excluded.ttl_seconds,
			expires_at    = excluded.expires_at,
			file_path     = excluded.file_path,
			user_metadata = excluded.user_metadata`,
		record.ID, record.OriginalName, record.StoredName, record.MimeType,
		record.Size, record.Hash,
		record.UploadedAt.UTC().Format(timeFormat), record.TTLSeconds,
		record.ExpiresAt.UTC().Format(timeFormat), record.FilePath, meta,
	)
	if err != nil {
		return fmt.Errorf("saving record %q: %w", record.ID, err)
	}
	return nil
}

// recordColumns is the column list every row scan expects, in scanRecord order.
const recordColumns = `id, original_name, stored_name, mime_type, size, hash,
	uploaded_at, ttl_seconds, expires_at, file_path, user_metadata`

// rowScanner abstracts *sql.Row and *sql.Rows for scanRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one files row into a FileRecord.
func scanRecord(row rowScanner) (*FileRecord, error) {
	var record FileRecord
	var uploadedAt, expiresAt, meta string

	err := row.Scan(&record.ID, &record.OriginalName, &record.StoredName,
		&record.MimeType, &record.Size, &record.Hash,
		&uploadedAt, &record.TTLSeconds, &expiresAt, &record.FilePath, &meta)
	if err != nil {
		return nil, err
	}

	if record.UploadedAt, err = time.Parse(timeFormat, uploadedAt); err != nil {
		return nil, fmt.Errorf("parsing uploaded_at for %q: %w", record.ID, err)
	}
	if record.ExpiresAt, err = time.Parse(timeFormat, expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at for %q: %w", record.ID, err)
	}
	if record.Metadata, err = decodeUserMetadata(meta); err != nil {
		return nil, fmt.Errorf("decoding user metadata for %q: %w", record.ID, err)
	}
	return &record, nil
}

// Get retrieves the record with the given id, or nil when absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE id = ?`, id)

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %q: %w", id, err)
	}
	return record, nil
}

// Delete removes the record with the given id. Idempotent.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting record %q: %w", id, err)
	}
	return nil
}

// FindByHash looks up a record by content hash, or nil when absent. When
// several records share the hash any one of them serves as the dedup source.
func (s *SQLiteStore) FindByHash(ctx context.Context, hash string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM files WHERE hash = ? LIMIT 1`, hash)

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding record by hash %q: %w", hash, err)
	}
	return record, nil
}

// Search filters records in SQL, ordered by upload time descending.
func (s *SQLiteStore) Search(ctx context.Context, filter SearchFilter, limit, offset int) (*SearchResult, error) {
	now := time.Now().UTC().Format(timeFormat)

	var where []string
	var args []any
	if filter.ExpiredOnly {
		where = append(where, "expires_at <= ?")
	} else {
		where = append(where, "expires_at > ?")
	}
	args = append(args, now)
	if filter.MimeType != "" {
		where = append(where, "mime_type = ?")
		args = append(args, filter.MimeType)
	}
	if filter.MinSize > 0 {
		where = append(where, "size >= ?")
		args = append(args, filter.MinSize)
	}
	if filter.MaxSize > 0 {
		where = append(where, "size <= ?")
		args = append(args, filter.MaxSize)
	}
	if !filter.UploadedAfter.IsZero() {
		where = append(where, "uploaded_at >= ?")
		args = append(args, filter.UploadedAfter.UTC().Format(timeFormat))
	}
	if !filter.UploadedBefore.IsZero() {
		where = append(where, "uploaded_at < ?")
		args = append(args, filter.UploadedBefore.UTC().Format(timeFormat))
	}
	cond := strings.Join(where, " AND ")

	result := &SearchResult{}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE `+cond, args...).Scan(&result.Total)
	if err != nil {
		return nil, fmt.Errorf("counting search matches: %w", err)
	}

	query := `SELECT ` + recordColumns + ` FROM files WHERE ` + cond +
		` ORDER BY uploaded_at DESC, id`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	} else if offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET.
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		result.Records = append(result.Records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search rows: %w", err)
	}
	return result, nil
}

// AllRecords invokes fn with the id and backend key of every stored record.
func (s *SQLiteStore) AllRecords(ctx context.Context, fn func(id, filePath string) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, file_path FROM files`)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, filePath string
		if err := rows.Scan(&id, &filePath); err != nil {
			return fmt.Errorf("scanning record row: %w", err)
		}
		if err := fn(id, filePath); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats aggregates counters over all stored records.
func (s *SQLiteStore) Stats(ctx context.Context) (*FileStats, error) {
	stats := &FileStats{
		FilesByMime: make(map[string]int64),
		FilesByDate: make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files`,
	).Scan(&stats.TotalFiles, &stats.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("aggregating totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT mime_type, COUNT(*) FROM files GROUP BY mime_type`)
	if err != nil {
		return nil, fmt.Errorf("aggregating mime counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mime string
		var count int64
		if err := rows.Scan(&mime, &count); err != nil {
			return nil, fmt.Errorf("scanning mime count row: %w", err)
		}
		stats.FilesByMime[mime] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mime count rows: %w", err)
	}

	// uploaded_at is ISO 8601, so its first ten characters are the day bucket.
	dayRows, err := s.db.QueryContext(ctx,
		`SELECT substr(uploaded_at, 1, 10), COUNT(*) FROM files GROUP BY substr(uploaded_at, 1, 10)`)
	if err != nil {
		return nil, fmt.Errorf("aggregating date counts: %w", err)
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var day string
		var count int64
		if err := dayRows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scanning date count row: %w", err)
		}
		stats.FilesByDate[day] = count
	}
	if err := dayRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating date count rows: %w", err)
	}

	return stats, nil
}

// Ping checks connectivity to the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeUserMetadata serializes the free-form metadata map for storage.
func encodeUserMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeUserMetadata parses the stored metadata column. Empty maps come back
// as nil so records round-trip to their pre-save shape.
func decodeUserMetadata(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

// Ensure SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)

package fileindex

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit bounds the WAL file.
const walJournalSizeLimit = 67108864 // 64 MiB

// SQLiteIndex is the persistent Index backend selected when
// PRESERVE_UPLOADS=true: WAL mode, embedded goose migrations, prepared
// statements.
type SQLiteIndex struct {
	db     *sql.DB
	logger *slog.Logger

	putStmt    *sql.Stmt
	getStmt    *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt
}

// NewSQLiteIndex opens (creating if absent) the database at dbPath, applies
// migrations, and prepares statements. Use ":memory:" for tests.
func NewSQLiteIndex(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening file index database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("fileindex: open sqlite: %w", err)
	}

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	idx := &SQLiteIndex{db: db, logger: logger}
	if err := idx.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("fileindex: prepare statements: %w", err)
	}

	return idx, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("fileindex: set pragma %q: %w", p, err)
		}
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("fileindex: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("fileindex: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("fileindex: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

func (idx *SQLiteIndex) prepareStatements(ctx context.Context) error {
	var err error

	idx.putStmt, err = idx.db.PrepareContext(ctx,
		`INSERT INTO files (file_id, name, storage_path, expires_at, is_encrypted, chunk_size, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}

	idx.getStmt, err = idx.db.PrepareContext(ctx,
		`SELECT file_id, name, storage_path, expires_at, is_encrypted, chunk_size FROM files WHERE file_id = ?`)
	if err != nil {
		return err
	}

	idx.deleteStmt, err = idx.db.PrepareContext(ctx, `DELETE FROM files WHERE file_id = ?`)
	if err != nil {
		return err
	}

	idx.listStmt, err = idx.db.PrepareContext(ctx,
		`SELECT file_id, name, storage_path, expires_at, is_encrypted, chunk_size FROM files`)

	return err
}

func (idx *SQLiteIndex) Put(ctx context.Context, rec FileRecord) error {
	var expiresAt sql.NullInt64
	if rec.ExpiresAt != nil {
		expiresAt = sql.NullInt64{Int64: rec.ExpiresAt.UnixMilli(), Valid: true}
	}

	_, err := idx.putStmt.ExecContext(ctx, rec.FileID, rec.Name, rec.StoragePath, expiresAt, rec.IsEncrypted, rec.ChunkSize, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("fileindex: put %s: %w", rec.FileID, err)
	}

	return nil
}

func (idx *SQLiteIndex) Get(ctx context.Context, fileID string) (FileRecord, error) {
	row := idx.getStmt.QueryRowContext(ctx, fileID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	} else if err != nil {
		return FileRecord{}, fmt.Errorf("fileindex: get %s: %w", fileID, err)
	}

	return rec, nil
}

func (idx *SQLiteIndex) Delete(ctx context.Context, fileID string) error {
	if _, err := idx.deleteStmt.ExecContext(ctx, fileID); err != nil {
		return fmt.Errorf("fileindex: delete %s: %w", fileID, err)
	}

	return nil
}

func (idx *SQLiteIndex) List(ctx context.Context) ([]FileRecord, error) {
	rows, err := idx.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fileindex: list: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("fileindex: scan row: %w", err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (FileRecord, error) {
	var (
		rec         FileRecord
		expiresAt   sql.NullInt64
		isEncrypted bool
	)

	if err := row.Scan(&rec.FileID, &rec.Name, &rec.StoragePath, &expiresAt, &isEncrypted, &rec.ChunkSize); err != nil {
		return FileRecord{}, err
	}

	if expiresAt.Valid {
		t := time.UnixMilli(expiresAt.Int64)
		rec.ExpiresAt = &t
	}

	rec.IsEncrypted = isEncrypted

	return rec, nil
}

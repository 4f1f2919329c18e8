package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/intake-gateway/internal/storage"
)

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (and creates if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if !strings.HasPrefix(dbPath, "file:") && dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			declared_type TEXT,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT,
			failure_kind TEXT,
			ticket_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			detail TEXT,
			archive_key TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			content_type TEXT,
			size INTEGER NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_created ON scans(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) SaveScan(ctx context.Context, rec *storage.ScanRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	query := `INSERT INTO scans (id, file_name, declared_type, size, status, reason, failure_kind,
	              ticket_id, attempts, detail, archive_key, duration_ms, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.FileName, rec.DeclaredType, rec.Size, rec.Status, rec.Reason, rec.FailureKind,
		rec.TicketID, rec.Attempts, nullString(string(rec.Detail)), rec.ArchiveKey, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

const scanColumns = `id, file_name, declared_type, size, status, reason, failure_kind,
	ticket_id, attempts, detail, archive_key, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*storage.ScanRecord, error) {
	var rec storage.ScanRecord
	var declaredType, reason, kind, ticket, detail, archive sql.NullString

	if err := row.Scan(&rec.ID, &rec.FileName, &declaredType, &rec.Size, &rec.Status, &reason, &kind,
		&ticket, &rec.Attempts, &detail, &archive, &rec.DurationMS, &rec.CreatedAt); err != nil {
		return nil, err
	}

	rec.DeclaredType = declaredType.String
	rec.Reason = reason.String
	rec.FailureKind = kind.String
	rec.TicketID = ticket.String
	rec.ArchiveKey = archive.String
	if detail.Valid && detail.String != "" {
		rec.Detail = []byte(detail.String)
	}
	return &rec, nil
}

func (s *Store) GetScan(ctx context.Context, id string) (*storage.ScanRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan: %w", err)
	}
	return rec, nil
}

func (s *Store) ListScans(ctx context.Context, opts storage.ListOptions) ([]*storage.ScanRecord, error) {
	query := `SELECT ` + scanColumns + ` FROM scans`
	var args []any

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC`

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scans: %w", err)
	}
	defer rows.Close()

	var records []*storage.ScanRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *Store) SaveDocument(ctx context.Context, doc *storage.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	query := `INSERT INTO documents (id, name, content_type, size, text, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		doc.ID, doc.Name, doc.ContentType, doc.Size, doc.Text, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	query := `SELECT id, name, content_type, size, text, created_at FROM documents WHERE id = ?`

	var doc storage.Document
	var contentType sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Name, &contentType, &doc.Size, &doc.Text, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc.ContentType = contentType.String
	return &doc, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

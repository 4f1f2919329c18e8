// Package storage defines the records kept by the gateway and the store
// interfaces the sqlite and memory backends implement.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ScanRecord is the audit entry for one scan-and-admit request.
type ScanRecord struct {
	ID           string          `json:"id"`
	FileName     string          `json:"file_name"`
	DeclaredType string          `json:"declared_type,omitempty"`
	Size         int64           `json:"size"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	FailureKind  string          `json:"failure_kind,omitempty"`
	TicketID     string          `json:"ticket_id,omitempty"`
	Attempts     int             `json:"attempts"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	ArchiveKey   string          `json:"archive_key,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Document is text extracted from an uploaded file.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListOptions pages through records, newest first.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// ScanStore persists scan audit records.
type ScanStore interface {
	SaveScan(ctx context.Context, rec *ScanRecord) error
	GetScan(ctx context.Context, id string) (*ScanRecord, error)
	ListScans(ctx context.Context, opts ListOptions) ([]*ScanRecord, error)
}

// DocumentStore persists extracted documents.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
}

// Store is the full persistence surface.
type Store interface {
	ScanStore
	DocumentStore
	Close() error
}

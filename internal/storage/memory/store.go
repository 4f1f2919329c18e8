package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/intake-gateway/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu        sync.RWMutex
	scans     map[string]*storage.ScanRecord
	documents map[string]*storage.Document
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		scans:     make(map[string]*storage.ScanRecord),
		documents: make(map[string]*storage.Document),
	}
}

func (s *Store) SaveScan(ctx context.Context, rec *storage.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scans[rec.ID]; exists {
		return fmt.Errorf("scan %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	cp := *rec
	s.scans[rec.ID] = &cp
	return nil
}

func (s *Store) GetScan(ctx context.Context, id string) (*storage.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.scans[id]
	if !exists {
		return nil, fmt.Errorf("scan %s: %w", id, storage.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ListScans(ctx context.Context, opts storage.ListOptions) ([]*storage.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.ScanRecord
	for _, rec := range s.scans {
		if opts.Status != "" && rec.Status != opts.Status {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*storage.ScanRecord{}, nil
	}

	end := start + opts.Limit
	if opts.Limit <= 0 || end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

func (s *Store) SaveDocument(ctx context.Context, doc *storage.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	cp := *doc
	s.documents[doc.ID] = &cp
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (*storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.documents[id]
	if !exists {
		return nil, fmt.Errorf("document %s: %w", id, storage.ErrNotFound)
	}
	cp := *doc
	return &cp, nil
}

func (s *Store) Close() error {
	return nil
}

// Package fileindex implements the server-side file index and its TTL and
// zombie-tempfile lifecycle sweeps. Two backends share one interface:
// MemoryIndex (default, wiped at restart) and SQLiteIndex (persistent).
package fileindex

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when fileId has no live record.
var ErrNotFound = errors.New("fileindex: record not found")

// FileRecord is a server-side entry for one hosted file.
type FileRecord struct {
	FileID      string
	Name        string // plain filename, or base64 ciphertext when IsEncrypted
	StoragePath string
	ExpiresAt   *time.Time // nil means "never"
	IsEncrypted bool
	ChunkSize   int64 // plaintext bytes per envelope the sender used; 0 when IsEncrypted is false
}

// Expired reports whether the record's TTL has elapsed as of now.
func (r FileRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Index is the storage-agnostic contract the intake, download and sweep
// paths depend on. Implementations must be safe for concurrent
// Put/Get/Delete/List by background sweeps and request handlers.
type Index interface {
	// Put registers a new record. Fails if fileId already exists.
	Put(ctx context.Context, rec FileRecord) error
	// Get returns the live record for fileId, or ErrNotFound.
	Get(ctx context.Context, fileID string) (FileRecord, error)
	// Delete removes a record if present; deleting an absent record is not
	// an error, so sweeps tolerate records already gone.
	Delete(ctx context.Context, fileID string) error
	// List returns every live record, for the TTL sweep.
	List(ctx context.Context) ([]FileRecord, error)
	// Close releases any resources (e.g. the sqlite handle).
	Close() error
}

// MemoryIndex is a mutex-guarded in-memory Index. Its contents are
// discarded on process restart.
type MemoryIndex struct {
	mu      sync.Mutex
	records map[string]FileRecord
}

// NewMemoryIndex constructs an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]FileRecord)}
}

func (idx *MemoryIndex) Put(_ context.Context, rec FileRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.records[rec.FileID]; exists {
		return errors.New("fileindex: fileId already exists")
	}

	idx.records[rec.FileID] = rec

	return nil
}

func (idx *MemoryIndex) Get(_ context.Context, fileID string) (FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec, ok := idx.records[fileID]
	if !ok {
		return FileRecord{}, ErrNotFound
	}

	return rec, nil
}

func (idx *MemoryIndex) Delete(_ context.Context, fileID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.records, fileID)

	return nil
}

func (idx *MemoryIndex) List(_ context.Context) ([]FileRecord, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]FileRecord, 0, len(idx.records))
	for _, rec := range idx.records {
		out = append(out, rec)
	}

	return out, nil
}

func (idx *MemoryIndex) Close() error { return nil }

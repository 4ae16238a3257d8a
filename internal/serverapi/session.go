// Package serverapi implements the server-side HTTP intake:
// init/chunk/complete upload handling, plain/encrypted download, and the
// capability-advertising info endpoints. Routing is go-chi.
package serverapi

import (
	"sync"
	"time"
)

// UploadSession is the server-side ephemeral record of an in-progress
// upload. Exactly one tempfile exists per live session.
type UploadSession struct {
	UploadID           string
	TempPath           string
	DeclaredName       string
	DeclaredLifetimeMS int64
	DeclaredEncrypted  bool
	CreatedAt          time.Time
}

// sessionTable is a mutex-guarded map of live upload sessions, safe for
// concurrent access by request handlers and the zombie sweep's
// LiveUploadIDs() snapshot.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*UploadSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*UploadSession)}
}

// createWithID registers a session under a caller-chosen upload ID, used
// when the tempfile is created (and named) before the session is recorded.
func (t *sessionTable) createWithID(uploadID, name string, lifetimeMS int64, encrypted bool, tempPath string) *UploadSession {
	sess := &UploadSession{
		UploadID:           uploadID,
		TempPath:           tempPath,
		DeclaredName:       name,
		DeclaredLifetimeMS: lifetimeMS,
		DeclaredEncrypted:  encrypted,
		CreatedAt:          time.Now(),
	}

	t.mu.Lock()
	t.sessions[sess.UploadID] = sess
	t.mu.Unlock()

	return sess
}

func (t *sessionTable) get(uploadID string) (*UploadSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[uploadID]

	return sess, ok
}

func (t *sessionTable) delete(uploadID string) {
	t.mu.Lock()
	delete(t.sessions, uploadID)
	t.mu.Unlock()
}

// LiveUploadIDs implements fileindex.UploadSessionLister.
func (t *sessionTable) LiveUploadIDs() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]struct{}, len(t.sessions))
	for id := range t.sessions {
		out[id] = struct{}{}
	}

	return out
}

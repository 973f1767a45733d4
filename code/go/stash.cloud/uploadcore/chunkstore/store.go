package chunkstore

import (
	"context"
	"io"
)

// SessionMeta small metadata record stored alongside the scratch bytes of a
// session. Kept on disk so a finished upload can be reconstructed after a
// process restart even when the completion record in the DB is gone.
type SessionMeta struct {
	DeclaredLength int64  `json:"declared_length"`
	Filename       string `json:"filename"`
	MimeType       string `json:"mime_type"`
}

// ChunkStore durable scratch storage for in-flight upload bytes, addressed
// by upload-session id.
type ChunkStore interface {
	// Create allocates scratch storage for a new session.
	Create(id string, meta *SessionMeta) error
	// WriteChunk appends src at the given byte offset. The bytes are durable
	// on disk before WriteChunk returns.
	WriteChunk(ctx context.Context, id string, offset int64, src io.Reader) (int64, error)
	// Open returns a reader over the full assembled bytes and their size.
	Open(id string) (io.ReadCloser, int64, error)
	// ReadMeta reads the metadata sidecar of a session.
	ReadMeta(id string) (*SessionMeta, error)
	// Size current size of the scratch file.
	Size(id string) (int64, error)
	Exists(id string) bool
	// Delete removes the scratch bytes and the metadata sidecar. Deleting an
	// unknown id is a no-op.
	Delete(id string) error
}

var fileStore ChunkStore

// GetStore returns the process-wide chunk store.
func GetStore() ChunkStore {
	return fileStore
}

// SetStore overrides the process-wide chunk store, for tests.
func SetStore(store ChunkStore) {
	fileStore = store
}

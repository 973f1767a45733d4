package session

import (
	"time"

	"gorm.io/datatypes"
)

// SessionState lifecycle state of an upload session.
type SessionState int

const (
	SessionOpen SessionState = iota + 1
	SessionFinished
	SessionCommitted
	SessionAbandoned
)

// Terminal no transitions leave Committed or Abandoned.
func (s SessionState) Terminal() bool {
	return s == SessionCommitted || s == SessionAbandoned
}

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionFinished:
		return "finished"
	case SessionCommitted:
		return "committed"
	case SessionAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Metadata keys supplied by the client at session creation.
const (
	MetaFilename = "filename"
	MetaFiletype = "filetype"
	MetaSize     = "size"
)

// UploadSession one client-declared logical upload. ReceivedOffset only ever
// advances, and only by a successful chunk append.
type UploadSession struct {
	ID              string            `gorm:"column:id;primary_key" json:"id"`
	DeclaredLength  int64             `gorm:"column:declared_length" json:"declared_length"`
	ReceivedOffset  int64             `gorm:"column:received_offset" json:"received_offset"`
	State           SessionState      `gorm:"column:state" json:"state"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata" json:"metadata"`
	ScratchLocation string            `gorm:"column:scratch_location" json:"-"`
	ReceiptID       string            `gorm:"column:receipt_id" json:"receipt_id,omitempty"`
	PermanentURL    string            `gorm:"column:permanent_url" json:"permanent_url,omitempty"`
	CreatedAt       time.Time         `gorm:"column:created_at" json:"-"`
	UpdatedAt       time.Time         `gorm:"column:updated_at" json:"-"`
	FinishedAt      *time.Time        `gorm:"column:finished_at" json:"-"`
}

func (UploadSession) TableName() string {
	return "upload_sessions"
}

// Filename client-supplied original filename, empty if none was given.
func (s *UploadSession) Filename() string {
	if v, ok := s.Metadata[MetaFilename].(string); ok {
		return v
	}
	return ""
}

// MimeType client-supplied MIME type, empty if none was given.
func (s *UploadSession) MimeType() string {
	if v, ok := s.Metadata[MetaFiletype].(string); ok {
		return v
	}
	return ""
}

// CompletionRecord snapshot of a session captured in the same transaction
// that flips it to Finished. Decouples the protocol handler from the
// completion orchestrator; reconstructible from the session row plus the
// chunk store's metadata sidecar when lost.
type CompletionRecord struct {
	SessionID       string            `gorm:"column:session_id;primary_key"`
	ScratchLocation string            `gorm:"column:scratch_location"`
	DeclaredLength  int64             `gorm:"column:declared_length"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata"`
	FinishedAt      time.Time         `gorm:"column:finished_at"`
	// CleanupPending set when the post-commit scratch deletion failed; the
	// reconciler retries those.
	CleanupPending bool `gorm:"column:cleanup_pending"`
}

func (CompletionRecord) TableName() string {
	return "completion_records"
}

// Models every model the session registry persists, for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&UploadSession{}, &CompletionRecord{}}
}

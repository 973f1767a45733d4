package session

import (
	"context"
	"errors"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"gorm.io/gorm"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
)

// New builds an Open session with a fresh opaque id. The scratch location is
// the session id itself; the chunk store addresses scratch files by it.
func New(declaredLength int64, metadata map[string]interface{}) *UploadSession {
	id := shortuuid.New()
	return &UploadSession{
		ID:              id,
		DeclaredLength:  declaredLength,
		ReceivedOffset:  0,
		State:           SessionOpen,
		Metadata:        metadata,
		ScratchLocation: id,
	}
}

// Save inserts or updates the session row in the context's transaction.
func (s *UploadSession) Save(ctx context.Context) error {
	db := datastore.GetStore().GetTransaction(ctx)
	return db.Save(s).Error
}

// GetSession loads a session by id. Returns a session_not_found error for
// unknown or deleted ids.
func GetSession(ctx context.Context, id string) (*UploadSession, error) {
	db := datastore.GetStore().GetTransaction(ctx)
	s := &UploadSession{}
	err := db.Where("id = ?", id).Take(s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewErrorfWithStatusCode(404, "session_not_found", "No upload session with id %v", id)
		}
		return nil, err
	}
	return s, nil
}

// AdvanceOffset moves the session's received offset from expectedOffset to
// newOffset with a conditional write keyed on the expected offset and the
// Open state, so a stale or concurrent append can never double-apply. When
// newOffset reaches the declared length the session flips to Finished and a
// CompletionRecord is materialized in the same transaction.
func (s *UploadSession) AdvanceOffset(ctx context.Context, expectedOffset, newOffset int64) error {
	db := datastore.GetStore().GetTransaction(ctx)

	updates := map[string]interface{}{
		"received_offset": newOffset,
	}

	finished := newOffset == s.DeclaredLength
	var finishedAt time.Time
	if finished {
		finishedAt = time.Now().UTC()
		updates["state"] = SessionFinished
		updates["finished_at"] = finishedAt
	}

	result := db.Model(&UploadSession{}).
		Where("id = ? AND state = ? AND received_offset = ?", s.ID, SessionOpen, expectedOffset).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.NewErrorfWithStatusCode(409, "offset_mismatch",
			"Session %v is not open at offset %v", s.ID, expectedOffset)
	}

	s.ReceivedOffset = newOffset
	if finished {
		s.State = SessionFinished
		s.FinishedAt = &finishedAt
		record := &CompletionRecord{
			SessionID:       s.ID,
			ScratchLocation: s.ScratchLocation,
			DeclaredLength:  s.DeclaredLength,
			Metadata:        s.Metadata,
			FinishedAt:      finishedAt,
		}
		return db.Create(record).Error
	}
	return nil
}

// MarkCommitted flips a Finished session to Committed, recording the backend
// receipt. The conditional write is the at-most-once guard: it fails when a
// concurrent attempt already committed the session.
func (s *UploadSession) MarkCommitted(ctx context.Context, receiptID, permanentURL string) error {
	db := datastore.GetStore().GetTransaction(ctx)
	result := db.Model(&UploadSession{}).
		Where("id = ? AND state = ?", s.ID, SessionFinished).
		Updates(map[string]interface{}{
			"state":         SessionCommitted,
			"receipt_id":    receiptID,
			"permanent_url": permanentURL,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.NewError("session_closed", "Session was committed or terminated by a concurrent request")
	}
	s.State = SessionCommitted
	s.ReceiptID = receiptID
	s.PermanentURL = permanentURL
	return nil
}

// MarkAbandoned moves an Open or Finished session to the terminal Abandoned state.
func (s *UploadSession) MarkAbandoned(ctx context.Context) error {
	db := datastore.GetStore().GetTransaction(ctx)
	result := db.Model(&UploadSession{}).
		Where("id = ? AND state IN ?", s.ID, []SessionState{SessionOpen, SessionFinished}).
		Update("state", SessionAbandoned)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.NewError("session_closed", "Session is already in a terminal state")
	}
	s.State = SessionAbandoned
	return nil
}

// DeleteSession removes the registry row and any completion record. No-op
// for unknown ids, termination is idempotent.
func DeleteSession(ctx context.Context, id string) error {
	db := datastore.GetStore().GetTransaction(ctx)
	if err := db.Delete(&CompletionRecord{}, "session_id = ?", id).Error; err != nil {
		return err
	}
	return db.Delete(&UploadSession{}, "id = ?", id).Error
}

// GetCompletionRecord loads the completion record of a finished session.
func GetCompletionRecord(ctx context.Context, sessionID string) (*CompletionRecord, error) {
	db := datastore.GetStore().GetTransaction(ctx)
	record := &CompletionRecord{}
	err := db.Where("session_id = ?", sessionID).Take(record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.NewError("completion_record_not_found",
				"No completion record for session "+sessionID)
		}
		return nil, err
	}
	return record, nil
}

// Save inserts or updates the completion record.
func (r *CompletionRecord) Save(ctx context.Context) error {
	db := datastore.GetStore().GetTransaction(ctx)
	return db.Save(r).Error
}

// Delete removes the completion record.
func (r *CompletionRecord) Delete(ctx context.Context) error {
	db := datastore.GetStore().GetTransaction(ctx)
	return db.Delete(&CompletionRecord{}, "session_id = ?", r.SessionID).Error
}

// GetStaleSessions lists non-terminal sessions untouched since the deadline,
// for the cleanup worker.
func GetStaleSessions(ctx context.Context, deadline time.Time, limit int) ([]UploadSession, error) {
	db := datastore.GetStore().GetTransaction(ctx)
	var sessions []UploadSession
	err := db.Where("updated_at < ? AND state IN ?", deadline,
		[]SessionState{SessionOpen, SessionFinished}).
		Limit(limit).Find(&sessions).Error
	return sessions, err
}

// GetPendingCleanups lists completion records whose post-commit scratch
// deletion failed.
func GetPendingCleanups(ctx context.Context, limit int) ([]CompletionRecord, error) {
	db := datastore.GetStore().GetTransaction(ctx)
	var records []CompletionRecord
	err := db.Where("cleanup_pending = ?", true).Limit(limit).Find(&records).Error
	return records, err
}

// CountOpenSessions number of sessions still accepting chunks, for the
// health endpoint.
func CountOpenSessions(ctx context.Context) (int64, error) {
	db := datastore.GetStore().GetTransaction(ctx)
	var count int64
	err := db.Model(&UploadSession{}).Where("state = ?", SessionOpen).Count(&count).Error
	return count, err
}

package completion

import (
	"context"
	"mime"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/encryption"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/lock"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/chunkstore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/permastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

// Result client-visible outcome of a committed upload.
type Result struct {
	PermanentURL string `json:"permanent_url"`
	ReceiptID    string `json:"receipt_id"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type"`
	Filename     string `json:"filename"`
}

// TryCommit converts a finished session into exactly one commit on the
// permanent backend. Safe to call repeatedly: a session that never reached
// Committed can be retried (scratch bytes are untouched until after the
// backend accepted), and a session that already committed returns the
// recorded receipt.
func TryCommit(ctx context.Context, sessionID, filename string) (*Result, error) {
	// one commit attempt per session at a time, end to end
	mutex := lock.GetMutex(session.UploadSession{}.TableName(), sessionID)
	mutex.Lock()
	defer mutex.Unlock()

	var s *session.UploadSession
	var record *session.CompletionRecord
	err := datastore.GetStore().WithNewTransaction(func(c context.Context) error {
		var err error
		s, err = session.GetSession(c, sessionID)
		if err != nil {
			return err
		}

		switch s.State {
		case session.SessionCommitted:
			return nil
		case session.SessionFinished:
		case session.SessionOpen:
			return common.NewErrorfWithStatusCode(409, "session_not_finished",
				"Session %v has %v of %v bytes", sessionID, s.ReceivedOffset, s.DeclaredLength)
		default:
			return common.NewError("session_closed", "Session was terminated")
		}

		record, err = rebuildRecordIfMissing(c, s)
		return err
	})
	if err != nil {
		return nil, err
	}

	if filename == "" {
		filename = s.Filename()
	}
	contentType := contentTypeFor(filename, s.MimeType())

	// concurrent loser path: the session committed while this caller waited
	// on the mutex, hand back the existing receipt
	if s.State == session.SessionCommitted {
		return &Result{
			PermanentURL: s.PermanentURL,
			ReceiptID:    s.ReceiptID,
			Size:         s.DeclaredLength,
			ContentType:  contentType,
			Filename:     filename,
		}, nil
	}

	receipt, err := commitScratch(s, record, filename, contentType)
	if err != nil {
		return nil, err
	}

	err = datastore.GetStore().WithNewTransaction(func(c context.Context) error {
		return s.MarkCommitted(c, receipt.ID, receipt.URL)
	})
	if err != nil {
		// the backend accepted the bytes but the state flip lost a race;
		// return the recorded receipt instead of reporting a failure
		logging.Logger.Error("Commit succeeded but state flip failed",
			zap.String("session", sessionID), zap.Error(err))
		return nil, common.NewError("commit_failed", "Failed to record the commit, retry the completion")
	}

	cleanupScratch(s, record)

	return &Result{
		PermanentURL: receipt.URL,
		ReceiptID:    receipt.ID,
		Size:         s.DeclaredLength,
		ContentType:  contentType,
		Filename:     filename,
	}, nil
}

// rebuildRecordIfMissing returns the session's completion record,
// reconstructing it from the registry row and the chunk store's metadata
// sidecar when the row is gone (process restart between finish and commit).
// The recovery is logged so it stays auditable.
func rebuildRecordIfMissing(ctx context.Context, s *session.UploadSession) (*session.CompletionRecord, error) {
	record, err := session.GetCompletionRecord(ctx, s.ID)
	if err == nil {
		return record, nil
	}

	meta, metaErr := chunkstore.GetStore().ReadMeta(s.ScratchLocation)
	if metaErr != nil {
		return nil, common.NewErrorf("read_error",
			"Completion record lost and scratch metadata unreadable: %v", metaErr)
	}
	if meta.DeclaredLength != s.DeclaredLength {
		return nil, common.NewErrorf("read_error",
			"Completion record lost and scratch metadata disagrees on length: %v != %v",
			meta.DeclaredLength, s.DeclaredLength)
	}

	logging.Logger.Warn("Rebuilding lost completion record",
		zap.String("session", s.ID), zap.Int64("declared_length", s.DeclaredLength))

	finishedAt := time.Now().UTC()
	if s.FinishedAt != nil {
		finishedAt = *s.FinishedAt
	}
	record = &session.CompletionRecord{
		SessionID:       s.ID,
		ScratchLocation: s.ScratchLocation,
		DeclaredLength:  s.DeclaredLength,
		Metadata:        s.Metadata,
		FinishedAt:      finishedAt,
	}
	if err := record.Save(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// commitScratch runs the quote -> balance -> commit sequence against the
// permanent backend. Scratch bytes are only read, never touched.
func commitScratch(s *session.UploadSession, record *session.CompletionRecord, filename, contentType string) (*permastore.Receipt, error) {
	store := chunkstore.GetStore()

	reader, size, err := store.Open(record.ScratchLocation)
	if err != nil {
		return nil, err
	}
	digest, hashed, err := encryption.HashReader(reader)
	reader.Close()
	if err != nil {
		return nil, common.NewErrorf("read_error", "Failed to read scratch bytes: %v", err)
	}
	if size != record.DeclaredLength || hashed != record.DeclaredLength {
		return nil, common.NewErrorf("read_error",
			"Scratch bytes are truncated: have %v of %v", size, record.DeclaredLength)
	}

	backend := permastore.GetClient()

	quote, err := backend.Quote(context.Background(), size)
	if err != nil {
		return nil, err
	}
	balance, err := backend.Balance(context.Background())
	if err != nil {
		return nil, err
	}
	if balance < quote {
		return nil, common.NewErrorfWithStatusCode(402, "insufficient_funds",
			"Insufficient backend balance. Need: %d, Have: %d", quote, balance)
	}

	reader, _, err = store.Open(record.ScratchLocation)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	tags := []permastore.Tag{
		{Name: "Content-Type", Value: contentType},
		{Name: "Filename", Value: filename},
		{Name: "Original-Size", Value: strconv.FormatInt(size, 10)},
		{Name: "Original-SHA256", Value: digest},
		{Name: "Upload-Timestamp", Value: time.Now().UTC().Format(time.RFC3339)},
		{Name: "Application", Value: config.Configuration.ApplicationName},
	}

	// the commit runs on its own context: a dropped client connection must
	// not cancel a commit already in flight
	commitCtx, cancel := context.WithTimeout(context.Background(), config.Configuration.GatewayCommitTimeout)
	defer cancel()

	return backend.Commit(commitCtx, reader, size, tags)
}

// cleanupScratch frees scratch state after a successful commit. Failure is
// non-fatal: a stale scratch file can never cause a second commit, so the
// record is flagged for the reconciler instead of failing the request.
func cleanupScratch(s *session.UploadSession, record *session.CompletionRecord) {
	if err := chunkstore.GetStore().Delete(record.ScratchLocation); err != nil {
		logging.Logger.Error("Failed to delete scratch after commit, leaving it to the reconciler",
			zap.String("session", s.ID), zap.Error(err))
		record.CleanupPending = true
		if err := datastore.GetStore().WithNewTransaction(record.Save); err != nil {
			logging.Logger.Error("Failed to flag completion record for cleanup",
				zap.String("session", s.ID), zap.Error(err))
		}
		return
	}

	err := datastore.GetStore().WithNewTransaction(func(c context.Context) error {
		return record.Delete(c)
	})
	if err != nil {
		logging.Logger.Error("Failed to delete completion record",
			zap.String("session", s.ID), zap.Error(err))
	}
}

func contentTypeFor(filename, declared string) string {
	if declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

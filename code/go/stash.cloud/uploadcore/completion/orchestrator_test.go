package completion

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/encryption"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/chunkstore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/permastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

func init() {
	logging.Logger = zap.NewNop()
}

func setupCompletion(t *testing.T, funds int64) *permastore.MockClient {
	t.Helper()

	config.Configuration.MinDiskSpace = 0
	config.Configuration.ApplicationName = "Stash"
	config.Configuration.GatewayCommitTimeout = time.Minute

	_, err := datastore.UseInMemory()
	require.NoError(t, err)
	require.NoError(t, datastore.GetStore().AutoMigrate(session.Models()...))

	_, err = chunkstore.SetupFSStore(t.TempDir())
	require.NoError(t, err)

	mock := permastore.NewMockClient(funds)
	permastore.SetClient(mock)
	return mock
}

// finishedSession uploads payload in one chunk and leaves the session in the
// Finished state, ready for commit.
func finishedSession(t *testing.T, payload []byte) *session.UploadSession {
	t.Helper()

	s := session.New(int64(len(payload)), map[string]interface{}{
		session.MetaFilename: "cat.png",
		session.MetaFiletype: "image/png",
	})
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.Save(ctx)
	})
	require.NoError(t, err)

	store := chunkstore.GetStore()
	require.NoError(t, store.Create(s.ID, &chunkstore.SessionMeta{
		DeclaredLength: s.DeclaredLength,
		Filename:       "cat.png",
		MimeType:       "image/png",
	}))
	_, err = store.WriteChunk(context.Background(), s.ID, 0, bytes.NewReader(payload))
	require.NoError(t, err)

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.AdvanceOffset(ctx, 0, s.DeclaredLength)
	})
	require.NoError(t, err)
	require.Equal(t, session.SessionFinished, s.State)
	return s
}

func loadSession(t *testing.T, id string) *session.UploadSession {
	t.Helper()
	var loaded *session.UploadSession
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		loaded, err = session.GetSession(ctx, id)
		return err
	})
	require.NoError(t, err)
	return loaded
}

func TestTryCommitHappyPath(t *testing.T) {
	payload := []byte("hello permanent world")
	mock := setupCompletion(t, int64(len(payload)))
	s := finishedSession(t, payload)

	result, err := TryCommit(context.Background(), s.ID, "")
	require.NoError(t, err)
	require.Equal(t, "cat.png", result.Filename)
	require.Equal(t, "image/png", result.ContentType)
	require.EqualValues(t, len(payload), result.Size)
	require.NotEmpty(t, result.ReceiptID)
	require.Contains(t, result.PermanentURL, result.ReceiptID)

	require.Equal(t, payload, mock.Object(result.ReceiptID))

	tags := map[string]string{}
	for _, tag := range mock.Tags(result.ReceiptID) {
		tags[tag.Name] = tag.Value
	}
	require.Equal(t, "image/png", tags["Content-Type"])
	require.Equal(t, "cat.png", tags["Filename"])
	require.Equal(t, encryption.Hash(payload), tags["Original-SHA256"])
	require.Equal(t, "Stash", tags["Application"])

	loaded := loadSession(t, s.ID)
	require.Equal(t, session.SessionCommitted, loaded.State)
	require.Equal(t, result.ReceiptID, loaded.ReceiptID)

	// scratch and completion record are gone after a successful commit
	require.False(t, chunkstore.GetStore().Exists(s.ID))
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		_, err := session.GetCompletionRecord(ctx, s.ID)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestTryCommitIdempotent(t *testing.T) {
	payload := []byte("commit me once")
	mock := setupCompletion(t, int64(len(payload)))
	s := finishedSession(t, payload)

	first, err := TryCommit(context.Background(), s.ID, "")
	require.NoError(t, err)

	second, err := TryCommit(context.Background(), s.ID, "")
	require.NoError(t, err)
	require.Equal(t, first.ReceiptID, second.ReceiptID)
	require.Equal(t, first.PermanentURL, second.PermanentURL)
	require.EqualValues(t, 1, mock.CommitCalls())
}

func TestTryCommitRequiresFinishedSession(t *testing.T) {
	mock := setupCompletion(t, 1000)

	s := session.New(10, nil)
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.Save(ctx)
	})
	require.NoError(t, err)

	_, err = TryCommit(context.Background(), s.ID, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "session_not_finished")
	require.EqualValues(t, 0, mock.CommitCalls())
}

func TestTryCommitUnknownSession(t *testing.T) {
	setupCompletion(t, 1000)

	_, err := TryCommit(context.Background(), "no-such-session", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "session_not_found")
}

func TestTryCommitAbandonedSession(t *testing.T) {
	payload := []byte("too late")
	setupCompletion(t, int64(len(payload)))
	s := finishedSession(t, payload)

	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.MarkAbandoned(ctx)
	})
	require.NoError(t, err)

	_, err = TryCommit(context.Background(), s.ID, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "session_closed")
}

func TestInsufficientFundsLeavesSessionRetryable(t *testing.T) {
	payload := []byte("expensive bytes")
	mock := setupCompletion(t, 0)
	s := finishedSession(t, payload)

	_, err := TryCommit(context.Background(), s.ID, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "insufficient_funds")
	require.EqualValues(t, 0, mock.CommitCalls())

	// the session stays Finished with scratch intact
	require.Equal(t, session.SessionFinished, loadSession(t, s.ID).State)
	require.True(t, chunkstore.GetStore().Exists(s.ID))

	// after topping up the balance the same completion succeeds
	mock.Funds = int64(len(payload))
	result, err := TryCommit(context.Background(), s.ID, "")
	require.NoError(t, err)
	require.Equal(t, payload, mock.Object(result.ReceiptID))
}

func TestConcurrentCompletionCommitsExactlyOnce(t *testing.T) {
	payload := []byte("raced by many callers")
	mock := setupCompletion(t, int64(len(payload)))
	s := finishedSession(t, payload)

	const callers = 8
	results := make([]*Result, callers)
	errs := make([]error, callers)

	wg := sync.WaitGroup{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = TryCommit(context.Background(), s.ID, "")
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, mock.CommitCalls())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].ReceiptID, results[i].ReceiptID)
	}
}

func TestLostCompletionRecordIsRebuilt(t *testing.T) {
	payload := []byte("survives a restart")
	mock := setupCompletion(t, int64(len(payload)))
	s := finishedSession(t, payload)

	// simulate losing the DB-side record between finish and commit; the
	// scratch metadata sidecar still knows the declared length
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		record, err := session.GetCompletionRecord(ctx, s.ID)
		require.NoError(t, err)
		return record.Delete(ctx)
	})
	require.NoError(t, err)

	result, err := TryCommit(context.Background(), s.ID, "")
	require.NoError(t, err)
	require.Equal(t, payload, mock.Object(result.ReceiptID))
}

func TestFilenameOverrideAndContentTypeFallback(t *testing.T) {
	payload := []byte("plain text")
	setupCompletion(t, int64(len(payload)))

	s := session.New(int64(len(payload)), nil)
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.Save(ctx)
	})
	require.NoError(t, err)

	store := chunkstore.GetStore()
	require.NoError(t, store.Create(s.ID, &chunkstore.SessionMeta{DeclaredLength: s.DeclaredLength}))
	_, err = store.WriteChunk(context.Background(), s.ID, 0, bytes.NewReader(payload))
	require.NoError(t, err)
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.AdvanceOffset(ctx, 0, s.DeclaredLength)
	})
	require.NoError(t, err)

	result, err := TryCommit(context.Background(), s.ID, "notes.txt")
	require.NoError(t, err)
	require.Equal(t, "notes.txt", result.Filename)
	require.Contains(t, result.ContentType, "text/plain")
}

func TestReconcilerRetriesPendingCleanup(t *testing.T) {
	payload := []byte("left behind")
	setupCompletion(t, int64(len(payload)))
	s := finishedSession(t, payload)

	// flag the record as if the post-commit scratch deletion had failed
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		record, err := session.GetCompletionRecord(ctx, s.ID)
		require.NoError(t, err)
		record.CleanupPending = true
		return record.Save(ctx)
	})
	require.NoError(t, err)

	reconcileScratch(context.Background())

	require.False(t, chunkstore.GetStore().Exists(s.ID))
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		_, err := session.GetCompletionRecord(ctx, s.ID)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

package handler

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/lock"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/chunkstore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/quota"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

// CreateSessionHandler opens a new upload session.
//
// The declared length arrives in Upload-Length and optional client metadata in
// Upload-Metadata as comma-separated "key base64(value)" pairs. Responds 201
// with the session location and a zero Upload-Offset.
func CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	declaredLength, err := parseUploadLength(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if !isAdmin(r) {
		count := quota.CurrentCount(quotaCookie(r))
		if count >= config.Configuration.MaxAnonymousUploads {
			writeError(w, common.NewErrorfWithStatusCode(403, "upload_limit_reached",
				"Anonymous upload limit of %v reached", config.Configuration.MaxAnonymousUploads))
			return
		}
	}

	metadata := parseUploadMetadata(r.Header.Get(common.UploadMetadataHeader))
	s := session.New(declaredLength, metadata)

	// allocate scratch first so a full disk is caught before the row exists
	err = chunkstore.GetStore().Create(s.ID, &chunkstore.SessionMeta{
		DeclaredLength: declaredLength,
		Filename:       s.Filename(),
		MimeType:       s.MimeType(),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.Save(ctx)
	})
	if err != nil {
		if delErr := chunkstore.GetStore().Delete(s.ID); delErr != nil {
			logging.Logger.Error("Failed to free scratch of unsaved session",
				zap.String("session", s.ID), zap.Error(delErr))
		}
		writeError(w, err)
		return
	}

	logging.Logger.Info("Opened upload session",
		zap.String("session", s.ID),
		zap.Int64("declared_length", declaredLength),
		zap.String("filename", s.Filename()))

	w.Header().Set("Location", "/v1/upload/session/"+s.ID)
	w.Header().Set(common.UploadOffsetHeader, "0")
	writeJSON(w, http.StatusCreated, s)
}

// QueryOffsetHandler reports the current offset of an open or finished
// session. Terminal sessions read as gone.
func QueryOffsetHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	var s *session.UploadSession
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		s, err = session.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if s.State.Terminal() {
		writeError(w, common.NewErrorfWithStatusCode(404, "session_not_found",
			"No upload session with id %v", sessionID))
		return
	}

	w.Header().Set(common.UploadOffsetHeader, strconv.FormatInt(s.ReceivedOffset, 10))
	w.Header().Set(common.UploadLengthHeader, strconv.FormatInt(s.DeclaredLength, 10))
	w.Header().Set("Cache-Control", "no-store")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// AppendChunkHandler appends a chunk at the offset the client expects. The
// expected offset must equal the session's received offset exactly; anything
// else is answered 409 with the current offset so the client can resync.
// Chunk bytes are durable on disk before the offset advances.
func AppendChunkHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	expectedOffset, err := strconv.ParseInt(r.Header.Get(common.UploadOffsetHeader), 10, 64)
	if err != nil || expectedOffset < 0 {
		writeError(w, common.InvalidRequest("missing or malformed Upload-Offset header"))
		return
	}

	mutex := lock.GetMutex(session.UploadSession{}.TableName(), sessionID)
	mutex.Lock()
	defer mutex.Unlock()

	var s *session.UploadSession
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		s, err = session.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case s.State.Terminal():
		writeError(w, common.NewErrorfWithStatusCode(404, "session_not_found",
			"No upload session with id %v", sessionID))
		return
	case s.State != session.SessionOpen:
		writeError(w, common.NewErrorfWithStatusCode(409, "session_closed",
			"Session %v already has all %v bytes", sessionID, s.DeclaredLength))
		return
	case expectedOffset != s.ReceivedOffset:
		w.Header().Set(common.UploadOffsetHeader, strconv.FormatInt(s.ReceivedOffset, 10))
		writeError(w, common.NewErrorfWithStatusCode(409, "offset_mismatch",
			"Expected offset %v, session is at %v", expectedOffset, s.ReceivedOffset))
		return
	}

	// never accept more than the declared length
	remaining := s.DeclaredLength - s.ReceivedOffset
	n, err := chunkstore.GetStore().WriteChunk(r.Context(), sessionID, expectedOffset,
		io.LimitReader(r.Body, remaining))
	if err != nil {
		writeError(w, err)
		return
	}

	newOffset := expectedOffset + n
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		return s.AdvanceOffset(ctx, expectedOffset, newOffset)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if s.State == session.SessionFinished {
		logging.Logger.Info("Upload session finished",
			zap.String("session", s.ID), zap.Int64("declared_length", s.DeclaredLength))
	}

	w.Header().Set(common.UploadOffsetHeader, strconv.FormatInt(newOffset, 10))
	w.WriteHeader(http.StatusNoContent)
}

// TerminateSessionHandler abandons a session and frees its scratch storage.
// Idempotent: terminating an unknown session is still a 204.
func TerminateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	mutex := lock.GetMutex(session.UploadSession{}.TableName(), sessionID)
	mutex.Lock()
	defer mutex.Unlock()

	var s *session.UploadSession
	err := datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		var err error
		s, err = session.GetSession(ctx, sessionID)
		return err
	})
	if err != nil {
		// already gone
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// a committed session's bytes are permanent; only the bookkeeping goes
	err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
		if !s.State.Terminal() {
			if err := s.MarkAbandoned(ctx); err != nil {
				return err
			}
		}
		return session.DeleteSession(ctx, sessionID)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if err := chunkstore.GetStore().Delete(s.ScratchLocation); err != nil {
		logging.Logger.Error("Failed to delete scratch of terminated session",
			zap.String("session", sessionID), zap.Error(err))
	}

	logging.Logger.Info("Terminated upload session", zap.String("session", sessionID))
	w.WriteHeader(http.StatusNoContent)
}

func parseUploadLength(r *http.Request) (int64, error) {
	header := r.Header.Get(common.UploadLengthHeader)
	if header == "" {
		return 0, common.NewError("invalid_length", "Missing Upload-Length header")
	}
	declaredLength, err := strconv.ParseInt(header, 10, 64)
	if err != nil || declaredLength <= 0 {
		return 0, common.NewError("invalid_length", "Upload-Length must be a positive byte count")
	}
	if declaredLength > config.Configuration.MaxFileSize {
		return 0, common.NewErrorfWithStatusCode(413, "invalid_length",
			"Upload-Length %v exceeds the maximum of %v bytes", declaredLength, config.Configuration.MaxFileSize)
	}
	return declaredLength, nil
}

// parseUploadMetadata decodes "key base64(value)" pairs. Malformed pairs are
// skipped rather than failing the whole request.
func parseUploadMetadata(header string) map[string]interface{} {
	metadata := make(map[string]interface{})
	if header == "" {
		return metadata
	}
	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(strings.TrimSpace(pair))
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		if len(fields) == 1 {
			metadata[fields[0]] = ""
			continue
		}
		value, err := base64.StdEncoding.DecodeString(fields[1])
		if err != nil {
			continue
		}
		metadata[fields[0]] = string(value)
	}
	return metadata
}

func isAdmin(r *http.Request) bool {
	adminKey := config.Configuration.AdminKey
	return adminKey != "" && r.Header.Get(common.AdminKeyHeader) == adminKey
}

func quotaCookie(r *http.Request) string {
	cookie, err := r.Cookie(quota.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

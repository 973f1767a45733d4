package handler

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/chunkstore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/permastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/quota"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

func init() {
	logging.Logger = zap.NewNop()
}

func setupServer(t *testing.T, funds int64) (*httptest.Server, *permastore.MockClient) {
	t.Helper()

	config.Configuration.DeploymentMode = config.DeploymentDevelopment
	config.Configuration.MaxFileSize = 64 * 1024 * 1024
	config.Configuration.MinDiskSpace = 0
	config.Configuration.MaxAnonymousUploads = 3
	config.Configuration.QuotaSecret = "handler-test-secret"
	config.Configuration.QuotaCookieValidity = 30 * 24 * time.Hour
	config.Configuration.AdminKey = "test-admin-key"
	config.Configuration.ApplicationName = "Stash"
	config.Configuration.GatewayCommitTimeout = time.Minute

	// keep the limiters out of the way
	viper.Set("rate_limiters.session_rps", 10000)
	viper.Set("rate_limiters.chunk_rps", 10000)
	viper.Set("rate_limiters.commit_rps", 10000)

	_, err := datastore.UseInMemory()
	require.NoError(t, err)
	require.NoError(t, datastore.GetStore().AutoMigrate(session.Models()...))

	_, err = chunkstore.SetupFSStore(t.TempDir())
	require.NoError(t, err)

	mock := permastore.NewMockClient(funds)
	permastore.SetClient(mock)

	r := mux.NewRouter()
	SetupHandlers(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, mock
}

func doRequest(t *testing.T, method, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func createSession(t *testing.T, server *httptest.Server, length int64, filename string) string {
	t.Helper()
	metadata := fmt.Sprintf("filename %s,filetype %s",
		base64.StdEncoding.EncodeToString([]byte(filename)),
		base64.StdEncoding.EncodeToString([]byte("application/octet-stream")))

	resp := doRequest(t, http.MethodPost, server.URL+"/v1/upload/session", nil, map[string]string{
		common.UploadLengthHeader:   strconv.FormatInt(length, 10),
		common.UploadMetadataHeader: metadata,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "0", resp.Header.Get(common.UploadOffsetHeader))

	var created session.UploadSession
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "/v1/upload/session/"+created.ID, resp.Header.Get("Location"))
	return created.ID
}

func appendChunk(t *testing.T, server *httptest.Server, id string, offset int64, chunk []byte) *http.Response {
	t.Helper()
	return doRequest(t, http.MethodPatch, server.URL+"/v1/upload/session/"+id, chunk, map[string]string{
		common.UploadOffsetHeader: strconv.FormatInt(offset, 10),
		"Content-Type":            "application/offset+octet-stream",
	})
}

func quotaCookieValue(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == quota.CookieName {
			return cookie.Value
		}
	}
	return ""
}

func TestUploadLifecycle(t *testing.T) {
	payload := make([]byte, 1024*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	server, mock := setupServer(t, int64(len(payload)))

	id := createSession(t, server, int64(len(payload)), "backup.bin")

	// the session starts at offset zero
	resp := doRequest(t, http.MethodHead, server.URL+"/v1/upload/session/"+id, nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "0", resp.Header.Get(common.UploadOffsetHeader))
	require.Equal(t, strconv.Itoa(len(payload)), resp.Header.Get(common.UploadLengthHeader))

	// two chunks, in order
	half := len(payload) / 2
	resp = appendChunk(t, server, id, 0, payload[:half])
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, strconv.Itoa(half), resp.Header.Get(common.UploadOffsetHeader))

	resp = appendChunk(t, server, id, int64(half), payload[half:])
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, strconv.Itoa(len(payload)), resp.Header.Get(common.UploadOffsetHeader))

	// completion commits exactly these bytes
	body, err := json.Marshal(CompleteRequest{SessionID: id})
	require.NoError(t, err)
	resp = doRequest(t, http.MethodPost, server.URL+"/v1/upload/complete", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cookieValue := quotaCookieValue(resp)
	require.NotEmpty(t, cookieValue)
	require.Equal(t, 1, quota.CurrentCount(cookieValue))

	var result struct {
		PermanentURL string `json:"permanent_url"`
		ReceiptID    string `json:"receipt_id"`
		Filename     string `json:"filename"`
	}
	decodeBody(t, resp, &result)
	require.Equal(t, "backup.bin", result.Filename)
	require.Equal(t, payload, mock.Object(result.ReceiptID))
	require.EqualValues(t, 1, mock.CommitCalls())

	// a committed session reads as gone
	resp = doRequest(t, http.MethodHead, server.URL+"/v1/upload/session/"+id, nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAppendChunkOffsetConflict(t *testing.T) {
	server, _ := setupServer(t, 1024)
	id := createSession(t, server, 100, "conflict.bin")

	resp := appendChunk(t, server, id, 0, make([]byte, 40))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// resending the first chunk must not double-apply
	resp = appendChunk(t, server, id, 0, make([]byte, 40))
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "offset_mismatch", resp.Header.Get(common.AppErrorHeader))
	require.Equal(t, "40", resp.Header.Get(common.UploadOffsetHeader))

	// the client resyncs from the advertised offset
	resp = appendChunk(t, server, id, 40, make([]byte, 60))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "100", resp.Header.Get(common.UploadOffsetHeader))
}

func TestAppendBeyondDeclaredLengthIsCapped(t *testing.T) {
	server, _ := setupServer(t, 1024)
	id := createSession(t, server, 10, "small.bin")

	resp := appendChunk(t, server, id, 0, make([]byte, 25))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "10", resp.Header.Get(common.UploadOffsetHeader))

	// the session finished at the declared length; more chunks are rejected
	resp = appendChunk(t, server, id, 10, []byte("x"))
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "session_closed", resp.Header.Get(common.AppErrorHeader))
}

func TestCreateSessionInvalidLength(t *testing.T) {
	server, _ := setupServer(t, 0)

	for _, header := range []map[string]string{
		{},
		{common.UploadLengthHeader: "0"},
		{common.UploadLengthHeader: "-5"},
		{common.UploadLengthHeader: "not-a-number"},
	} {
		resp := doRequest(t, http.MethodPost, server.URL+"/v1/upload/session", nil, header)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid_length", resp.Header.Get(common.AppErrorHeader))
	}

	tooBig := map[string]string{
		common.UploadLengthHeader: strconv.FormatInt(config.Configuration.MaxFileSize+1, 10),
	}
	resp := doRequest(t, http.MethodPost, server.URL+"/v1/upload/session", nil, tooBig)
	resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestQuotaCeilingBlocksSessionCreation(t *testing.T) {
	server, _ := setupServer(t, 0)

	// a counter already at the ceiling
	value := ""
	for i := 0; i < config.Configuration.MaxAnonymousUploads; i++ {
		value, _ = quota.BuildIncremented(value)
	}

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/upload/session", nil)
	require.NoError(t, err)
	req.Header.Set(common.UploadLengthHeader, "100")
	req.AddCookie(&http.Cookie{Name: quota.CookieName, Value: value})

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "upload_limit_reached", resp.Header.Get(common.AppErrorHeader))

	// the admin key bypasses the ceiling
	req, err = http.NewRequest(http.MethodPost, server.URL+"/v1/upload/session", nil)
	require.NoError(t, err)
	req.Header.Set(common.UploadLengthHeader, "100")
	req.Header.Set(common.AdminKeyHeader, config.Configuration.AdminKey)
	req.AddCookie(&http.Cookie{Name: quota.CookieName, Value: value})

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestQuotaStatusAndIncrement(t *testing.T) {
	server, _ := setupServer(t, 0)

	resp := doRequest(t, http.MethodGet, server.URL+"/v1/quota", nil, nil)
	var status QuotaStatus
	decodeBody(t, resp, &status)
	require.Equal(t, 0, status.Count)
	require.Equal(t, 3, status.Limit)
	require.Equal(t, 3, status.Remaining)
	require.False(t, status.LimitReached)
	require.EqualValues(t, config.Configuration.MaxFileSize, status.MaxFileSize)

	resp = doRequest(t, http.MethodPost, server.URL+"/v1/quota/increment", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	value := quotaCookieValue(resp)
	var incremented map[string]int
	decodeBody(t, resp, &incremented)
	require.Equal(t, 1, incremented["new_count"])
	require.Equal(t, 1, quota.CurrentCount(value))
}

func TestTerminateSessionIdempotent(t *testing.T) {
	server, _ := setupServer(t, 0)
	id := createSession(t, server, 100, "doomed.bin")

	resp := appendChunk(t, server, id, 0, make([]byte, 10))
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodDelete, server.URL+"/v1/upload/session/"+id, nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, chunkstore.GetStore().Exists(id))

	// terminating again is still a 204
	resp = doRequest(t, http.MethodDelete, server.URL+"/v1/upload/session/"+id, nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, http.MethodHead, server.URL+"/v1/upload/session/"+id, nil, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteUnknownSession(t *testing.T) {
	server, _ := setupServer(t, 0)

	body, err := json.Marshal(CompleteRequest{SessionID: "no-such-session"})
	require.NoError(t, err)
	resp := doRequest(t, http.MethodPost, server.URL+"/v1/upload/complete", body, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCompleteInsufficientFunds(t *testing.T) {
	payload := []byte("cannot afford this")
	server, mock := setupServer(t, 0)

	id := createSession(t, server, int64(len(payload)), "pricey.bin")
	resp := appendChunk(t, server, id, 0, payload)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	body, err := json.Marshal(CompleteRequest{SessionID: id})
	require.NoError(t, err)
	resp = doRequest(t, http.MethodPost, server.URL+"/v1/upload/complete", body, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Equal(t, "insufficient_funds", resp.Header.Get(common.AppErrorHeader))
	// a failed completion must not consume quota
	require.Empty(t, quotaCookieValue(resp))

	// funding the account makes the same completion succeed
	mock.Funds = int64(len(payload))
	resp = doRequest(t, http.MethodPost, server.URL+"/v1/upload/complete", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, quota.CurrentCount(quotaCookieValue(resp)))
	resp.Body.Close()
}

func TestAdminCompleteSkipsQuota(t *testing.T) {
	payload := []byte("operator upload")
	server, _ := setupServer(t, int64(len(payload)))

	id := createSession(t, server, int64(len(payload)), "ops.bin")
	resp := appendChunk(t, server, id, 0, payload)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	body, err := json.Marshal(CompleteRequest{SessionID: id})
	require.NoError(t, err)
	resp = doRequest(t, http.MethodPost, server.URL+"/v1/upload/complete", body, map[string]string{
		common.AdminKeyHeader: config.Configuration.AdminKey,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, quotaCookieValue(resp))
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupServer(t, 0)
	StartTime = time.Now()

	openSessions := func() float64 {
		resp := doRequest(t, http.MethodGet, server.URL+"/_health", nil, nil)
		var health map[string]interface{}
		decodeBody(t, resp, &health)
		require.Equal(t, "ok", health["status"])
		count, ok := health["open_sessions"].(float64)
		require.True(t, ok)
		return count
	}

	before := openSessions()
	createSession(t, server, 100, "inflight.bin")
	require.Equal(t, before+1, openSessions())
}

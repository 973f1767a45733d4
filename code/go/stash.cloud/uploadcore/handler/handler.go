package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6/limiter"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
)

const (
	SessionRPS = 1  // Session creation requests per second
	ChunkRPS   = 10 // Chunk append requests per second
	CommitRPS  = 1  // Completion requests per second

	DefaultExpirationTTL = time.Minute * 5
)

var (
	sessionRL *limiter.Limiter // session create/terminate
	chunkRL   *limiter.Limiter // chunk appends and offset queries
	commitRL  *limiter.Limiter // completion
)

func ConfigRateLimits() {
	tokenExpirettl := viper.GetDuration("rate_limiters.default_token_expire_duration")
	if tokenExpirettl <= 0 {
		tokenExpirettl = DefaultExpirationTTL
	}

	ipLookups := []string{"RemoteAddr", "X-Forwarded-For", "X-Real-IP"}

	isProxy := viper.GetBool("rate_limiters.proxy")
	if isProxy {
		ipLookups = []string{"X-Forwarded-For", "RemoteAddr", "X-Real-IP"}
	}

	sRps := viper.GetFloat64("rate_limiters.session_rps")
	chRps := viper.GetFloat64("rate_limiters.chunk_rps")
	cRps := viper.GetFloat64("rate_limiters.commit_rps")

	if sRps <= 0 {
		sRps = SessionRPS
	}
	if chRps <= 0 {
		chRps = ChunkRPS
	}
	if cRps <= 0 {
		cRps = CommitRPS
	}

	logging.Logger.Info("Setting rps: ",
		zap.Float64("session_rps", sRps),
		zap.Float64("chunk_rps", chRps),
		zap.Float64("commit_rps", cRps),
	)

	sessionRL = common.GetRateLimiter(sRps, ipLookups, true, tokenExpirettl)
	chunkRL = common.GetRateLimiter(chRps, ipLookups, true, tokenExpirettl)
	commitRL = common.GetRateLimiter(cRps, ipLookups, true, tokenExpirettl)
}

func RateLimitBySessionRL(handler common.ReqRespHandlerf) common.ReqRespHandlerf {
	return common.RateLimitByIP(handler, sessionRL)
}

func RateLimitByChunkRL(handler common.ReqRespHandlerf) common.ReqRespHandlerf {
	return common.RateLimitByIP(handler, chunkRL)
}

func RateLimitByCommitRL(handler common.ReqRespHandlerf) common.ReqRespHandlerf {
	return common.RateLimitByIP(handler, commitRL)
}

/*SetupHandlers sets up the necessary API end points */
func SetupHandlers(r *mux.Router) {
	ConfigRateLimits()
	r.Use(UseRecovery, UseCors)

	// upload session lifecycle
	r.HandleFunc("/v1/upload/session",
		RateLimitBySessionRL(CreateSessionHandler)).
		Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/v1/upload/session/{session}",
		RateLimitByChunkRL(QueryOffsetHandler)).
		Methods(http.MethodHead, http.MethodGet, http.MethodOptions)

	r.HandleFunc("/v1/upload/session/{session}",
		RateLimitByChunkRL(AppendChunkHandler)).
		Methods(http.MethodPatch)

	r.HandleFunc("/v1/upload/session/{session}",
		RateLimitBySessionRL(TerminateSessionHandler)).
		Methods(http.MethodDelete)

	// completion
	r.HandleFunc("/v1/upload/complete",
		RateLimitByCommitRL(CompleteHandler)).
		Methods(http.MethodPost, http.MethodOptions)

	// anonymous quota
	r.HandleFunc("/v1/quota",
		common.ToJSONResponse(QuotaStatusHandler)).
		Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/v1/quota/increment",
		RateLimitBySessionRL(QuotaIncrementHandler)).
		Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/_health",
		common.ToJSONResponse(WithReadOnlyConnection(HealthHandler))).
		Methods(http.MethodGet)
}

func UseRecovery(h http.Handler) http.Handler {
	return handlers.RecoveryHandler(
		handlers.PrintRecoveryStack(true),
		handlers.RecoveryLogger(&recoveryLogger{}))(h)
}

type recoveryLogger struct{}

func (*recoveryLogger) Println(v ...interface{}) {
	logging.Logger.Error("Recovered from a panicking handler", zap.Any("panic", v))
}

func UseCors(h http.Handler) http.Handler {
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{
			http.MethodPost, http.MethodGet, http.MethodOptions,
			http.MethodPatch, http.MethodDelete, http.MethodHead}),
		handlers.AllowedHeaders([]string{
			"Accept", "Content-Type", "Accept-Encoding",
			common.UploadLengthHeader, common.UploadOffsetHeader,
			common.UploadMetadataHeader, common.AdminKeyHeader}),
		handlers.ExposedHeaders([]string{
			"Location", common.UploadOffsetHeader, common.UploadLengthHeader,
			common.AppErrorHeader}),
	)(h)
}

func WithReadOnlyConnection(handler common.JSONResponderF) common.JSONResponderF {
	return func(ctx context.Context, r *http.Request) (interface{}, error) {
		ctx = datastore.GetStore().CreateTransaction(ctx)
		tx := datastore.GetStore().GetTransaction(ctx)
		defer func() {
			tx.Rollback()
		}()

		res, err := handler(ctx, r)
		return res, err
	}
}

func WithConnection(handler common.JSONResponderF) common.JSONResponderF {
	return func(ctx context.Context, r *http.Request) (interface{}, error) {
		var (
			resp interface{}
			err  error
		)
		err = datastore.GetStore().WithNewTransaction(func(ctx context.Context) error {
			resp, err = handler(ctx, r)

			return err
		})
		return resp, err
	}
}

// writeError renders err as the JSON error body, honoring the status code and
// error code of a *common.Error.
func writeError(w http.ResponseWriter, err error) {
	statusCode := http.StatusBadRequest
	if cerr, ok := err.(*common.Error); ok {
		w.Header().Set(common.AppErrorHeader, cerr.Code)
		if cerr.StatusCode != 0 {
			statusCode = cerr.StatusCode
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data) //nolint:errcheck
	}
}

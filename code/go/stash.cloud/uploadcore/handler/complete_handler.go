package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/common"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/completion"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/quota"
)

// CompleteRequest body of the completion call.
type CompleteRequest struct {
	SessionID string `json:"session_id"`
	// Filename overrides the session metadata filename when set.
	Filename string `json:"filename"`
}

// CompleteHandler commits a finished session to permanent storage and, for
// anonymous callers, advances the signed quota counter on the response
// cookie. Quota is only ever consumed by a successful commit.
func CompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, common.InvalidRequest("malformed completion request body"))
		return
	}
	if req.SessionID == "" {
		writeError(w, common.InvalidRequest("missing session_id"))
		return
	}

	result, err := completion.TryCommit(r.Context(), req.SessionID, req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}

	if !isAdmin(r) {
		newValue, newCount := quota.BuildIncremented(quotaCookie(r))
		quota.SetCookie(w, newValue)
		logging.Logger.Info("Anonymous quota advanced",
			zap.String("session", req.SessionID), zap.Int("count", newCount))
	}

	writeJSON(w, http.StatusOK, result)
}

package handler

import (
	"context"
	"net/http"

	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/quota"
)

// QuotaStatus what an anonymous client is allowed to do right now.
type QuotaStatus struct {
	Count        int   `json:"count"`
	Limit        int   `json:"limit"`
	Remaining    int   `json:"remaining"`
	LimitReached bool  `json:"limit_reached"`
	MaxFileSize  int64 `json:"max_file_size"`
}

// QuotaStatusHandler reports the caller's anonymous quota standing.
func QuotaStatusHandler(ctx context.Context, r *http.Request) (interface{}, error) {
	limit := config.Configuration.MaxAnonymousUploads

	count := 0
	if !isAdmin(r) {
		count = quota.CurrentCount(quotaCookie(r))
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return &QuotaStatus{
		Count:        count,
		Limit:        limit,
		Remaining:    remaining,
		LimitReached: !isAdmin(r) && count >= limit,
		MaxFileSize:  config.Configuration.MaxFileSize,
	}, nil
}

// QuotaIncrementHandler advances the counter and reissues the cookie, for
// upload flows completed outside this server (the front end proxies the
// commit but quota still has to move).
func QuotaIncrementHandler(w http.ResponseWriter, r *http.Request) {
	newValue, newCount := quota.BuildIncremented(quotaCookie(r))
	quota.SetCookie(w, newValue)
	writeJSON(w, http.StatusOK, map[string]int{"new_count": newCount})
}

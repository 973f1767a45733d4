package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

// StartTime when the server came up.
var StartTime time.Time

// HealthHandler liveness probe with a little operational color.
func HealthHandler(ctx context.Context, r *http.Request) (interface{}, error) {
	openSessions, err := session.CountOpenSessions(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":        "ok",
		"open_sessions": openSessions,
		"files_dir":     config.Configuration.FilesDir,
		"uptime":        time.Since(StartTime).String(),
	}, nil
}

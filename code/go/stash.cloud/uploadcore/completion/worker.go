package completion

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/chunkstore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/session"
)

const pendingCleanupBatch = 100

// SetupWorkers starts the scratch reconciler.
func SetupWorkers(ctx context.Context) {
	go ReconcileScratch(ctx)
}

// ReconcileScratch periodically retries scratch deletions that failed after a
// successful commit, so committed-but-undeleted scratch files cannot pile up.
func ReconcileScratch(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.Configuration.ScratchReconcilerFreq) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcileScratch(ctx)
		}
	}
}

func reconcileScratch(ctx context.Context) {
	var pending []session.CompletionRecord
	err := datastore.GetStore().WithNewTransaction(func(c context.Context) error {
		var err error
		pending, err = session.GetPendingCleanups(c, pendingCleanupBatch)
		return err
	})
	if err != nil {
		logging.Logger.Error("Failed to list pending scratch cleanups", zap.Error(err))
		return
	}

	for i := range pending {
		record := pending[i]
		if err := chunkstore.GetStore().Delete(record.ScratchLocation); err != nil {
			logging.Logger.Error("Scratch cleanup retry failed",
				zap.String("session", record.SessionID), zap.Error(err))
			continue
		}
		err := datastore.GetStore().WithNewTransaction(func(c context.Context) error {
			return record.Delete(c)
		})
		if err != nil {
			logging.Logger.Error("Failed to delete reconciled completion record",
				zap.String("session", record.SessionID), zap.Error(err))
			continue
		}
		logging.Logger.Info("Reconciled leftover scratch", zap.String("session", record.SessionID))
	}
}

package session

import (
	"context"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"

	"github.com/stashcloud/stash/code/go/stash.cloud/core/lock"
	"github.com/stashcloud/stash/code/go/stash.cloud/core/logging"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/chunkstore"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/datastore"
)

const staleSessionBatch = 100

// SetupWorkers starts the stale-session cleaner.
func SetupWorkers(ctx context.Context) {
	go CleanupStaleSessions(ctx)
}

// CleanupStaleSessions periodically abandons sessions with no activity inside
// the configured tolerance and frees their scratch storage. An abandoned
// session is gone for good; the client has to start over.
func CleanupStaleSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.Configuration.SessionCleanerFreq) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupStaleSessions(ctx)
		}
	}
}

func cleanupStaleSessions(ctx context.Context) {
	deadline := time.Now().Add(-time.Duration(config.Configuration.SessionCleanerTolerance) * time.Second)

	var stale []UploadSession
	err := datastore.GetStore().WithNewTransaction(func(c context.Context) error {
		var err error
		stale, err = GetStaleSessions(c, deadline, staleSessionBatch)
		return err
	})
	if err != nil {
		logging.Logger.Error("Failed to list stale sessions", zap.Error(err))
		return
	}

	if len(stale) == 0 {
		return
	}

	swg := sizedwaitgroup.New(config.Configuration.SessionCleanerWorkers)
	for i := range stale {
		s := stale[i]
		swg.Add()
		go func() {
			defer swg.Done()
			abandonSession(&s)
		}()
	}
	swg.Wait()
}

func abandonSession(s *UploadSession) {
	mutex := lock.GetMutex(s.TableName(), s.ID)
	mutex.Lock()
	defer mutex.Unlock()

	err := datastore.GetStore().WithNewTransaction(func(c context.Context) error {
		return s.MarkAbandoned(c)
	})
	if err != nil {
		// the session made progress or was committed since it was listed
		logging.Logger.Info("Skipping stale session", zap.String("session", s.ID), zap.Error(err))
		return
	}

	if err := chunkstore.GetStore().Delete(s.ScratchLocation); err != nil {
		logging.Logger.Error("Failed to delete scratch of abandoned session",
			zap.String("session", s.ID), zap.Error(err))
		return
	}

	logging.Logger.Info("Abandoned stale session",
		zap.String("session", s.ID), zap.Int64("received_offset", s.ReceivedOffset))
}

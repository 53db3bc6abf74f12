// Package maintenance runs the background cron sweeps SPEC_FULL.md adds
// beyond the core orchestration substrate: proactive lease-expiry reclaim,
// idle session GC, and workspace trash retention.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cayde/coworker-server/internal/logging"
	"github.com/cayde/coworker-server/internal/store"
)

// Scheduler owns the cron runner and its registered jobs.
type Scheduler struct {
	cron        *cron.Cron
	store       *store.Store
	sessionTTL  time.Duration
	trashMaxAge time.Duration
}

// New builds a Scheduler. Workspace roots for the trash sweep are not
// configured up front — allowed_roots is supplied per-job by callers, not
// once at startup — so trashMaxAge governs every root the store has ever
// seen in a submitted job's allowed_roots.
func New(cpStore *store.Store, sessionTTL time.Duration, trashMaxAge time.Duration) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		store:       cpStore,
		sessionTTL:  sessionTTL,
		trashMaxAge: trashMaxAge,
	}
}

// Start registers the sweeps and begins running them in the background.
func (scheduler *Scheduler) Start() error {
	if _, err := scheduler.cron.AddFunc("@every 10s", scheduler.reclaimExpiredLeases); err != nil {
		return err
	}
	if _, err := scheduler.cron.AddFunc("@every 30s", scheduler.expireIdleSessions); err != nil {
		return err
	}
	if _, err := scheduler.cron.AddFunc("@every 5m", scheduler.pruneTrash); err != nil {
		return err
	}
	scheduler.cron.Start()
	return nil
}

// reclaimExpiredLeases requeues RUNNING jobs whose lease has expired,
// instead of leaving them to be reclaimed lazily the next time a worker's
// ClaimNextJob call selects them.
func (scheduler *Scheduler) reclaimExpiredLeases() {
	reclaimed, err := scheduler.store.ReclaimExpiredLeases(context.Background(), time.Now())
	if err != nil {
		logging.Logger.WithError(err).Error("lease reclaim sweep failed")
		return
	}
	if reclaimed > 0 {
		logging.Logger.WithField("reclaimed", reclaimed).Info("reclaimed expired job leases")
	}
}

// Stop halts the cron runner, waiting for in-flight jobs to finish.
func (scheduler *Scheduler) Stop() {
	stopCtx := scheduler.cron.Stop()
	<-stopCtx.Done()
}

func (scheduler *Scheduler) expireIdleSessions() {
	removed, err := scheduler.store.ExpireIdleSessions(context.Background(), int(scheduler.sessionTTL.Seconds()))
	if err != nil {
		logging.Logger.WithError(err).Error("idle session sweep failed")
		return
	}
	if removed > 0 {
		logging.Logger.WithField("removed", removed).Info("expired idle sessions")
	}
}

// pruneTrash deletes trash entries under each known root's .coworker_trash
// directory older than trashMaxAge. Trash entries are whole job-id
// directories (per soft_delete's reversible-move contract); the
// orchestrator treats their internal layout as opaque beyond age.
func (scheduler *Scheduler) pruneTrash() {
	if scheduler.trashMaxAge <= 0 {
		return
	}

	roots, err := scheduler.store.DistinctAllowedRoots(context.Background())
	if err != nil {
		logging.Logger.WithError(err).Error("trash sweep failed to list allowed roots")
		return
	}

	cutoff := time.Now().Add(-scheduler.trashMaxAge)

	for _, root := range roots {
		trashDir := filepath.Join(root, ".coworker_trash")
		entries, err := os.ReadDir(trashDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, infoErr := entry.Info()
			if infoErr != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(trashDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				logging.Logger.WithField("path", path).WithError(err).Warn("failed to prune trash entry")
			}
		}
	}
}

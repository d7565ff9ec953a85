package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/loader"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Residency reports which plugin directories are in use
type Residency interface {
	Root() string
	GetBySlug(slug string) (*loader.Record, bool)
}

// ReconcilerConfig controls the periodic cleanup
type ReconcilerConfig struct {
	Schedule     string
	StaleAfter   time.Duration
	PruneWorkers int
}

// Report summarizes one reconciliation pass
type Report struct {
	Failed []string
	Pruned []string
}

// Reconciler repairs state left behind by interrupted calls. Records stuck
// in a transient status become FAILED and extracted directories with no
// loaded record are removed.
type Reconciler struct {
	orch      *Orchestrator
	residency Residency
	cfg       ReconcilerConfig
	cron      *cron.Cron
	logger    *logrus.Logger
}

// NewReconciler creates a reconciler for o
func NewReconciler(o *Orchestrator, residency Residency, cfg ReconcilerConfig, logger *logrus.Logger) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.PruneWorkers <= 0 {
		cfg.PruneWorkers = 2
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Reconciler{orch: o, residency: residency, cfg: cfg, logger: logger}
}

// Start runs one pass immediately and then on the configured schedule
func (r *Reconciler) Start(ctx context.Context) error {
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Warnf("Initial reconciliation incomplete: %v", err)
	}

	r.cron = cron.New()
	_, err := r.cron.AddFunc(r.cfg.Schedule, func() {
		report, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Warnf("Reconciliation incomplete: %v", err)
			return
		}
		if len(report.Failed)+len(report.Pruned) > 0 {
			r.logger.WithFields(logrus.Fields{"failed": report.Failed, "pruned": report.Pruned}).Info("Reconciliation repaired state")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron.Start()
	r.logger.Infof("Reconciler scheduled: %s", r.cfg.Schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce performs a single reconciliation pass
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{}
	failErr := r.failStale(ctx, report)
	pruneErr := r.pruneOrphans(ctx, report)
	return report, errors.Join(failErr, pruneErr)
}

func (r *Reconciler) failStale(ctx context.Context, report *Report) error {
	stuck, err := r.orch.store.ListByStatus(ctx, StatusInstalling, StatusUpdating, StatusUninstalling)
	if err != nil {
		return err
	}

	cutoff := r.orch.now().Add(-r.cfg.StaleAfter)
	var errs []error
	for _, p := range stuck {
		if p.UpdatedAt.After(cutoff) {
			continue
		}
		unlock, ok := r.orch.locks.TryLock(p.ID)
		if !ok {
			continue
		}
		err := r.markFailed(ctx, p)
		unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Failed = append(report.Failed, p.ID)
	}
	return errors.Join(errs...)
}

func (r *Reconciler) markFailed(ctx context.Context, stale *InstalledPlugin) error {
	// Re-read under the lock; the call may have finished since the listing.
	p, err := r.orch.store.Get(ctx, stale.ID)
	if err != nil {
		return err
	}
	if !p.Status.Transient() {
		return nil
	}

	interrupted := p.Status
	p.Status = StatusFailed
	p.IsActive = false
	p.ErrorMessage = fmt.Sprintf("interrupted while %s", strings.ToLower(string(interrupted)))
	p.UpdatedAt = r.orch.now()
	if err := r.orch.store.Save(ctx, p); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{"plugin_id": p.ID, "slug": p.Slug}).Warnf("Marked plugin FAILED after interrupted %s", interrupted)
	return nil
}

func (r *Reconciler) pruneOrphans(ctx context.Context, report *Report) error {
	root := r.residency.Root()
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("failed to read plugin root: %w", err)
	}

	cutoff := time.Now().Add(-r.cfg.StaleAfter)
	var orphans []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, ".") {
			if _, loaded := r.residency.GetBySlug(name); loaded {
				continue
			}
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		orphans = append(orphans, name)
	}
	if len(orphans) == 0 {
		return nil
	}

	errs := async.Batch(ctx, orphans, r.cfg.PruneWorkers, "prune-plugin-dirs", time.Minute, func(ctx context.Context, name string) error {
		return os.RemoveAll(filepath.Join(root, name))
	})
	if len(errs) == 0 {
		report.Pruned = append(report.Pruned, orphans...)
	}
	return errors.Join(errs...)
}

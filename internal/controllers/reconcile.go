package controllers

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/events"
	"github.com/amaumene/fetcharr/internal/importer"
	"github.com/amaumene/fetcharr/internal/metrics"
	"github.com/amaumene/fetcharr/internal/models"
)

// QueueItem is a tracked download joined with its live backend status, for
// presentation. Status is nil when the backend no longer reports the item.
type QueueItem struct {
	Download *models.Download       `json:"download"`
	Status   *downloader.LiveStatus `json:"status,omitempty"`
}

// ReconcileController periodically reconciles tracked downloads against live
// backend state. The database records intent; the backends are authoritative.
type ReconcileController struct {
	config    *config.Config
	db        *models.Database
	registry  *downloader.Registry
	importer  importer.Importer
	untracked *UntrackedMatcher
	emitter   events.Emitter
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	mu      sync.Mutex
	running bool
}

// NewReconcileController creates a reconcile controller
func NewReconcileController(
	cfg *config.Config,
	db *models.Database,
	registry *downloader.Registry,
	imp importer.Importer,
	untracked *UntrackedMatcher,
	emitter events.Emitter,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *ReconcileController {
	return &ReconcileController{
		config:    cfg,
		db:        db,
		registry:  registry,
		importer:  imp,
		untracked: untracked,
		emitter:   emitter,
		metrics:   m,
		logger:    logger,
	}
}

// pollResult is one backend's contribution to a cycle
type pollResult struct {
	backend  string
	statuses []downloader.LiveStatus
	failed   bool
}

// Run executes one reconciliation cycle. Cycles never overlap: if the
// previous one is still in flight this call returns immediately.
func (c *ReconcileController) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Debug("Reconciliation already in progress, skipping cycle")
		return nil
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	c.metrics.ReconcileCycles.Inc()
	start := time.Now()

	results := c.poll(ctx)

	live := make(map[string]*downloader.LiveStatus)
	failedBackends := make(map[string]bool)
	for i := range results {
		if results[i].failed {
			failedBackends[results[i].backend] = true
			continue
		}
		for j := range results[i].statuses {
			s := &results[i].statuses[j]
			live[models.Key(s.Backend, s.ID)] = s
		}
	}

	downloads, err := c.db.GetAllDownloads()
	if err != nil {
		return err
	}

	claimed := make(map[string]bool, len(downloads))
	for _, d := range downloads {
		if failedBackends[d.Backend] {
			// No data for this backend this cycle; leave the record alone
			continue
		}
		claimed[d.BackendKey] = true
		c.reconcileOne(ctx, d, live[d.BackendKey])
	}

	for key, status := range live {
		if claimed[key] {
			continue
		}
		c.untracked.Examine(ctx, status)
	}

	c.logger.WithFields(logrus.Fields{
		"tracked":  len(downloads),
		"live":     len(live),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Reconciliation cycle finished")
	return nil
}

// poll queries every enabled backend concurrently under the worker limit. A
// failing backend contributes nothing; it never aborts the cycle.
func (c *ReconcileController) poll(ctx context.Context) []pollResult {
	backends := c.config.EnabledBackends()
	results := make([]pollResult, len(backends))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.PollWorkers)

	for i, backendCfg := range backends {
		i, backendCfg := i, backendCfg
		g.Go(func() error {
			results[i] = c.pollBackend(gctx, backendCfg)
			return nil
		})
	}
	g.Wait()

	return results
}

func (c *ReconcileController) pollBackend(ctx context.Context, backendCfg config.BackendConfig) pollResult {
	result := pollResult{backend: backendCfg.Name}

	adapter, err := c.registry.Adapter(backendCfg)
	if err != nil {
		c.logger.WithError(err).WithField("backend", backendCfg.Name).Error("Failed to build backend adapter")
		c.metrics.BackendPollErr.WithLabelValues(backendCfg.Name).Inc()
		result.failed = true
		return result
	}

	statuses, err := adapter.ListActive(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("backend", backendCfg.Name).Warn("Backend poll failed")
		c.metrics.BackendPollErr.WithLabelValues(backendCfg.Name).Inc()
		result.failed = true
		return result
	}

	result.statuses = statuses
	return result
}

// reconcileOne applies one download's live status. Terminal outcomes delete
// the tracking record: completion hands off to the importer first, and an
// item the backend no longer reports is treated as externally removed.
func (c *ReconcileController) reconcileOne(ctx context.Context, d *models.Download, status *downloader.LiveStatus) {
	log := c.logger.WithFields(logrus.Fields{
		"backend":    d.Backend,
		"backend_id": d.BackendID,
		"title":      d.Title,
	})

	if status == nil {
		if d.CompletedAt != nil {
			// Seen complete on a previous cycle and since cleaned up on the
			// backend; nothing left to do.
			if err := c.db.DeleteDownload(d.ID); err != nil {
				log.WithError(err).Error("Failed to delete download record")
			}
			return
		}

		log.Warn("Download vanished from backend")
		c.metrics.DownloadsFailed.Inc()
		c.emitter.Emit(ctx, events.Event{
			Kind:      events.KindFailed,
			Backend:   d.Backend,
			BackendID: d.BackendID,
			Title:     d.Title,
			TargetID:  d.TargetID,
			Reason:    "removed from backend outside orchestration",
			Timestamp: time.Now(),
		})
		if err := c.db.DeleteDownload(d.ID); err != nil {
			log.WithError(err).Error("Failed to delete download record")
		}
		return
	}

	switch {
	case status.Complete():
		if d.CompletedAt == nil {
			if err := c.importer.Completed(ctx, d, status); err != nil {
				// Leave the record in place; the next cycle retries the handoff
				log.WithError(err).Error("Failed to import completed download")
				return
			}
			now := time.Now()
			d.CompletedAt = &now
			if err := c.db.UpdateDownload(d); err != nil {
				log.WithError(err).Error("Failed to persist completion")
			}
			c.metrics.DownloadsDone.Inc()
		}
		if err := c.db.DeleteDownload(d.ID); err != nil {
			log.WithError(err).Error("Failed to delete download record")
		}

	case status.Failed():
		log.WithField("reason", status.ErrorMessage).Warn("Download failed")
		c.metrics.DownloadsFailed.Inc()
		c.emitter.Emit(ctx, events.Event{
			Kind:      events.KindFailed,
			Backend:   d.Backend,
			BackendID: d.BackendID,
			Title:     d.Title,
			TargetID:  d.TargetID,
			Reason:    status.ErrorMessage,
			Timestamp: time.Now(),
		})
		if err := c.db.DeleteDownload(d.ID); err != nil {
			log.WithError(err).Error("Failed to delete download record")
		}

	default:
		log.WithFields(logrus.Fields{
			"state":    status.State,
			"progress": status.Progress,
		}).Debug("Download in progress")
	}
}

// Queue returns every tracked download joined with current live status
func (c *ReconcileController) Queue(ctx context.Context) ([]QueueItem, error) {
	downloads, err := c.db.GetAllDownloads()
	if err != nil {
		return nil, err
	}

	results := c.poll(ctx)
	live := make(map[string]*downloader.LiveStatus)
	for i := range results {
		for j := range results[i].statuses {
			s := &results[i].statuses[j]
			live[models.Key(s.Backend, s.ID)] = s
		}
	}

	items := make([]QueueItem, 0, len(downloads))
	for _, d := range downloads {
		status := live[d.BackendKey]
		if status == nil {
			// Synthesize a status so consumers see missing items too
			state := models.StateMissing
			if d.CompletedAt != nil {
				state = models.StateCompleted
			}
			status = &downloader.LiveStatus{
				Backend: d.Backend,
				ID:      d.BackendID,
				Name:    d.Title,
				State:   state,
			}
		}
		items = append(items, QueueItem{
			Download: d,
			Status:   status,
		})
	}
	return items, nil
}

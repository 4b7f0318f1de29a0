// Package controllers implements the orchestration logic: initiating
// downloads, reconciling tracked state against live backend state, and
// adopting untracked backend items.
package controllers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/events"
	"github.com/amaumene/fetcharr/internal/fetch"
	"github.com/amaumene/fetcharr/internal/metrics"
	"github.com/amaumene/fetcharr/internal/models"
	"github.com/amaumene/fetcharr/internal/release"
)

// ErrDuplicateDownload is returned when the requested target is already
// covered by an active download or by imported media
var ErrDuplicateDownload = errors.New("target already covered by an active or imported download")

// ErrNoEligibleBackend is returned when no enabled backend can serve the
// resolved resource's protocol
var ErrNoEligibleBackend = errors.New("no eligible backend for resource")

// ErrBackendNotFound is returned when an explicitly requested backend is
// unknown or disabled
var ErrBackendNotFound = errors.New("requested backend not found or disabled")

// Target identifies the catalog entry a download is for
type Target struct {
	ID           string
	Season       *int
	Episode      *int
	IsSeasonPack bool
}

// DownloadController initiates and cancels downloads
type DownloadController struct {
	config   *config.Config
	db       *models.Database
	registry *downloader.Registry
	resolver *fetch.Resolver
	emitter  events.Emitter
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// NewDownloadController creates a download controller
func NewDownloadController(
	cfg *config.Config,
	db *models.Database,
	registry *downloader.Registry,
	resolver *fetch.Resolver,
	emitter events.Emitter,
	m *metrics.Metrics,
	logger *logrus.Logger,
) *DownloadController {
	return &DownloadController{
		config:   cfg,
		db:       db,
		registry: registry,
		resolver: resolver,
		emitter:  emitter,
		metrics:  m,
		logger:   logger,
	}
}

// Initiate resolves a candidate release and hands it to a backend. backendName
// optionally pins the backend; when empty the highest-priority enabled backend
// matching the resource's protocol is used. Duplicate coverage of the target,
// by an active download or by already imported media, is rejected before any
// backend is contacted.
func (c *DownloadController) Initiate(ctx context.Context, rel *release.Release, target Target, backendName string) (*models.Download, error) {
	active, err := c.db.GetDownloadsForTarget(target.ID, target.Season, target.Episode)
	if err != nil {
		return nil, fmt.Errorf("failed to check active downloads: %w", err)
	}
	if len(active) > 0 {
		return nil, fmt.Errorf("%w: tracked as %s", ErrDuplicateDownload, active[0].BackendKey)
	}

	imported, err := c.db.HasImportedTarget(target.ID, target.Season, target.Episode)
	if err != nil {
		return nil, fmt.Errorf("failed to check imported media: %w", err)
	}
	if imported {
		return nil, fmt.Errorf("%w: already imported", ErrDuplicateDownload)
	}

	resource, err := c.resolver.Resolve(ctx, rel.Link, rel.Title)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve resource: %w", err)
	}

	backendCfg, err := c.pickBackend(resource.Protocol, backendName)
	if err != nil {
		return nil, err
	}

	adapter, err := c.registry.Adapter(*backendCfg)
	if err != nil {
		return nil, err
	}

	backendID, err := adapter.Submit(ctx, resource, downloader.SubmitOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to submit to backend %s: %w", backendCfg.Name, err)
	}

	d := &models.Download{
		Title:        rel.Title,
		Indexer:      rel.Indexer,
		Link:         rel.Link,
		Backend:      backendCfg.Name,
		BackendID:    backendID,
		TargetID:     target.ID,
		Season:       target.Season,
		Episode:      target.Episode,
		IsSeasonPack: target.IsSeasonPack,
		Protocol:     resource.Protocol,
		Quality:      rel.Quality,
		Size:         rel.Size,
		Seeders:      rel.Seeders,
		Leechers:     rel.Leechers,
	}

	if err := c.db.CreateDownload(d); err != nil {
		if errors.Is(err, models.ErrDuplicateKey) {
			// The backend already held this exact content. Leave it in place
			// and report the duplicate.
			return nil, fmt.Errorf("%w: %v", ErrDuplicateDownload, err)
		}
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"backend":    d.Backend,
		"backend_id": d.BackendID,
		"title":      d.Title,
		"target_id":  d.TargetID,
	}).Info("Download initiated")

	c.metrics.DownloadsStarted.Inc()
	c.emitter.Emit(ctx, events.Event{
		Kind:      events.KindGrabbed,
		Backend:   d.Backend,
		BackendID: d.BackendID,
		Title:     d.Title,
		TargetID:  d.TargetID,
		Timestamp: time.Now(),
	})

	return d, nil
}

// pickBackend selects the backend for a resource. An explicit name must refer
// to an enabled backend; otherwise enabled backends serving the resource's
// protocol compete on ascending priority.
func (c *DownloadController) pickBackend(proto models.Protocol, backendName string) (*config.BackendConfig, error) {
	if backendName != "" {
		cfg, ok := c.config.Backend(backendName)
		if !ok || !cfg.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, backendName)
		}
		return cfg, nil
	}

	var eligible []config.BackendConfig
	for _, b := range c.config.EnabledBackends() {
		if serves(b.Type, proto) {
			eligible = append(eligible, b)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: protocol %s", ErrNoEligibleBackend, proto)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})
	return &eligible[0], nil
}

// serves reports whether a backend type can accept a resource protocol.
// An undetermined resource protocol applies no filter at all; the generic
// HTTP backend serves anything with a fetchable link; protocol-bound
// backends otherwise only serve their own family.
func serves(t models.BackendType, proto models.Protocol) bool {
	if proto == models.ProtocolUnknown {
		return true
	}
	backendProto := models.ProtocolFor(t)
	if backendProto == models.ProtocolUnknown {
		return true
	}
	return backendProto == proto
}

// Cancel removes a download from its backend and deletes the tracking record.
// The backend removal must succeed (or the item must already be gone) before
// the record is dropped, so a transient backend failure never orphans an item.
func (c *DownloadController) Cancel(ctx context.Context, id uint64, deleteFiles bool) error {
	d, err := c.db.GetDownloadByID(id)
	if err != nil {
		return fmt.Errorf("failed to load download %d: %w", id, err)
	}

	backendCfg, ok := c.config.Backend(d.Backend)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, d.Backend)
	}

	adapter, err := c.registry.Adapter(*backendCfg)
	if err != nil {
		return err
	}

	if err := adapter.Remove(ctx, d.BackendID, deleteFiles); err != nil && !errors.Is(err, downloader.ErrNotFound) {
		return fmt.Errorf("failed to remove from backend %s: %w", d.Backend, err)
	}

	if err := c.db.DeleteDownload(d.ID); err != nil {
		return fmt.Errorf("failed to delete download record: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"backend":    d.Backend,
		"backend_id": d.BackendID,
		"title":      d.Title,
	}).Info("Download cancelled")

	c.emitter.Emit(ctx, events.Event{
		Kind:      events.KindRemoved,
		Backend:   d.Backend,
		BackendID: d.BackendID,
		Title:     d.Title,
		TargetID:  d.TargetID,
		Timestamp: time.Now(),
	})
	return nil
}

// Select ranks candidate releases with the configured thresholds and returns
// them best first
func (c *DownloadController) Select(candidates []*release.Release) []*release.Release {
	return release.Rank(candidates, release.Options{
		MinSeeders: c.config.MinSeeders,
		MaxResults: c.config.MaxReleases,
	})
}

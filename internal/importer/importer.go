// Package importer hands completed downloads off to library management and
// records the fingerprints that keep finished content from being fetched again.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/events"
	"github.com/amaumene/fetcharr/internal/models"
)

// Importer consumes downloads that finished transferring
type Importer interface {
	Completed(ctx context.Context, download *models.Download, status *downloader.LiveStatus) error
}

// Service is the default importer: it persists an imported-media fingerprint
// and announces the completion
type Service struct {
	db      *models.Database
	emitter events.Emitter
	logger  *logrus.Logger
}

// NewService creates an importer
func NewService(db *models.Database, emitter events.Emitter, logger *logrus.Logger) *Service {
	return &Service{
		db:      db,
		emitter: emitter,
		logger:  logger,
	}
}

// Completed records the fingerprint for a finished download. The fingerprint
// outlives the download record and suppresses re-grabbing the same content.
func (s *Service) Completed(ctx context.Context, download *models.Download, status *downloader.LiveStatus) error {
	imported := &models.ImportedMedia{
		Backend:      download.Backend,
		BackendID:    download.BackendID,
		BackendKey:   download.BackendKey,
		TargetID:     download.TargetID,
		Season:       download.Season,
		Episode:      download.Episode,
		IsSeasonPack: download.IsSeasonPack,
		Title:        download.Title,
		ImportedAt:   time.Now(),
	}
	if status != nil {
		imported.SavePath = status.SavePath
	}

	if err := s.db.CreateImported(imported); err != nil {
		return fmt.Errorf("failed to record imported media: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"backend":   download.Backend,
		"title":     download.Title,
		"target_id": download.TargetID,
		"save_path": imported.SavePath,
	}).Info("Download imported")

	s.emitter.Emit(ctx, events.Event{
		Kind:      events.KindCompleted,
		Backend:   download.Backend,
		BackendID: download.BackendID,
		Title:     download.Title,
		TargetID:  download.TargetID,
		Timestamp: time.Now(),
	})
	return nil
}

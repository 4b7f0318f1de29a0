package controllers

import (
	"context"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/moistari/rls"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/events"
	"github.com/amaumene/fetcharr/internal/metrics"
	"github.com/amaumene/fetcharr/internal/models"
	"github.com/amaumene/fetcharr/internal/release"
)

// matchThreshold is the minimum title similarity for adopting an untracked
// item. Below it the item stays untracked and is only reported.
const matchThreshold = 0.85

// UntrackedMatcher examines backend items that no tracking record claims.
// Items whose fingerprint shows they were already imported are ignored;
// the rest are matched against known targets by title and adopted on a
// confident match.
type UntrackedMatcher struct {
	db      *models.Database
	emitter events.Emitter
	metrics *metrics.Metrics
	logger  *logrus.Logger

	// attempted suppresses repeated match attempts for items that failed to
	// match recently
	attempted *gocache.Cache
}

// NewUntrackedMatcher creates an untracked matcher
func NewUntrackedMatcher(db *models.Database, emitter events.Emitter, m *metrics.Metrics, logger *logrus.Logger) *UntrackedMatcher {
	return &UntrackedMatcher{
		db:        db,
		emitter:   emitter,
		metrics:   m,
		logger:    logger,
		attempted: gocache.New(30*time.Minute, 10*time.Minute),
	}
}

// Examine handles one untracked backend item
func (u *UntrackedMatcher) Examine(ctx context.Context, status *downloader.LiveStatus) {
	key := models.Key(status.Backend, status.ID)
	log := u.logger.WithFields(logrus.Fields{
		"backend":    status.Backend,
		"backend_id": status.ID,
		"name":       status.Name,
	})

	imported, err := u.db.IsImported(status.Backend, status.ID)
	if err != nil {
		log.WithError(err).Error("Failed to check imported fingerprint")
		return
	}
	if imported {
		// Finished content still seeding or awaiting backend cleanup
		log.Debug("Untracked item already imported, ignoring")
		return
	}

	if _, found := u.attempted.Get(key); found {
		return
	}

	target, matchedTitle, ok := u.match(status.Name)
	if !ok {
		u.attempted.SetDefault(key, true)
		log.Info("Untracked item does not match any known target")
		u.emitter.Emit(ctx, events.Event{
			Kind:      events.KindUntracked,
			Backend:   status.Backend,
			BackendID: status.ID,
			Title:     status.Name,
			Timestamp: time.Now(),
		})
		return
	}

	d := &models.Download{
		Title:        status.Name,
		Backend:      status.Backend,
		BackendID:    status.ID,
		TargetID:     target.ID,
		Season:       target.Season,
		Episode:      target.Episode,
		IsSeasonPack: target.IsSeasonPack,
	}
	if err := u.db.CreateDownload(d); err != nil {
		log.WithError(err).Error("Failed to adopt untracked item")
		return
	}

	u.metrics.UntrackedAdopted.Inc()
	log.WithFields(logrus.Fields{
		"target_id":     target.ID,
		"matched_title": matchedTitle,
	}).Info("Adopted untracked item")

	u.emitter.Emit(ctx, events.Event{
		Kind:      events.KindUntracked,
		Backend:   status.Backend,
		BackendID: status.ID,
		Title:     status.Name,
		TargetID:  target.ID,
		Reason:    "adopted",
		Timestamp: time.Now(),
	})
}

// knownTarget is a title known to belong to a target
type knownTarget struct {
	title    string // normalized
	targetID string
}

// match parses the item name and compares it against titles of every tracked
// and imported download. Returns the target association parsed from the item
// name itself, bound to the matched target id.
func (u *UntrackedMatcher) match(name string) (Target, string, bool) {
	parsed := rls.ParseString(name)
	normalized := release.NormalizeTitle(parsed.Title)
	if normalized == "" {
		return Target{}, "", false
	}

	known, err := u.knownTargets()
	if err != nil {
		u.logger.WithError(err).Error("Failed to load known targets")
		return Target{}, "", false
	}

	best := -1.0
	var bestTarget knownTarget
	for _, k := range known {
		s := similarity(normalized, k.title)
		if s > best {
			best = s
			bestTarget = k
		}
	}
	if best < matchThreshold {
		return Target{}, "", false
	}

	target := Target{ID: bestTarget.targetID}
	if parsed.Series > 0 {
		season := parsed.Series
		target.Season = &season
		if parsed.Episode > 0 {
			episode := parsed.Episode
			target.Episode = &episode
		} else {
			target.IsSeasonPack = true
		}
	}
	return target, bestTarget.title, true
}

// knownTargets collects normalized titles from active downloads and imported
// media, each bound to its target id
func (u *UntrackedMatcher) knownTargets() ([]knownTarget, error) {
	var known []knownTarget

	downloads, err := u.db.GetAllDownloads()
	if err != nil {
		return nil, err
	}
	for _, d := range downloads {
		if d.TargetID == "" {
			continue
		}
		known = append(known, knownTarget{
			title:    release.NormalizeTitle(rls.ParseString(d.Title).Title),
			targetID: d.TargetID,
		})
	}

	imported, err := u.db.GetAllImported()
	if err != nil {
		return nil, err
	}
	for _, m := range imported {
		if m.TargetID == "" {
			continue
		}
		known = append(known, knownTarget{
			title:    release.NormalizeTitle(rls.ParseString(m.Title).Title),
			targetID: m.TargetID,
		})
	}
	return known, nil
}

// similarity is 1 minus the normalized Levenshtein distance
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

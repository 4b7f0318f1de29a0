package models

import "time"

// Download records that a submission was made to a backend. It is local
// intent, not the authoritative state of the download: live state is fetched
// from the backend on every reconciliation cycle, and the record is deleted as
// soon as its target completes, fails or is cancelled. Long-term history lives
// in the event log, never here.
type Download struct {
	ID uint64 `boltholdKey:"ID"`

	Title   string
	Indexer string // originating search source
	Link    string // original resource URL

	// Backend tracking. BackendID must be content-stable (an info-hash or
	// equivalent), never a reusable backend-local counter. BackendKey is
	// "<backend>/<backend id>" and carries the store-level uniqueness
	// constraint that makes reconciliation attribution safe.
	Backend    string
	BackendID  string
	BackendKey string `boltholdUnique:"BackendKey"`

	// Target association: which catalog entry this download is for.
	// Season is set for both single episodes and season packs; Episode is
	// nil for movies and season packs.
	TargetID     string `boltholdIndex:"TargetID"`
	Season       *int
	Episode      *int
	IsSeasonPack bool

	// Submission-time metadata
	Protocol Protocol
	Quality  string
	Size     int64
	Seeders  int
	Leechers int

	CompletedAt   *time.Time
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key builds the composite backend key used for uniqueness and index lookups
func Key(backend, backendID string) string {
	return backend + "/" + backendID
}

// MatchesTarget reports whether this download covers the given association.
// A season pack covers every episode of its season.
func (d *Download) MatchesTarget(targetID string, season, episode *int) bool {
	if d.TargetID != targetID {
		return false
	}
	if season == nil {
		return d.Season == nil
	}
	if d.Season == nil || *d.Season != *season {
		return false
	}
	if d.IsSeasonPack {
		return true
	}
	if episode == nil {
		return d.Episode == nil
	}
	return d.Episode != nil && *d.Episode == *episode
}

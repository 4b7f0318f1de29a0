package models

import "time"

// ImportedMedia is the durable fingerprint recorded when the import pipeline
// takes over a completed download. It outlives the Download record (which is
// deleted on completion) and is what keeps a still-seeding item from being
// re-surfaced as untracked, and a completed target from being re-downloaded.
type ImportedMedia struct {
	ID uint64 `boltholdKey:"ID"`

	Backend    string
	BackendID  string
	BackendKey string `boltholdIndex:"BackendKey"`

	TargetID     string `boltholdIndex:"TargetID"`
	Season       *int
	Episode      *int
	IsSeasonPack bool

	Title    string
	SavePath string

	ImportedAt time.Time
}

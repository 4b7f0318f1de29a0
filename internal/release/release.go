// Package release holds candidate releases returned by search sources and
// the scoring used to pick which one to download.
package release

import (
	"strings"

	"github.com/amaumene/fetcharr/internal/models"
)

// Release is one candidate row returned by a search source. It exists only
// for the duration of a selection decision and is never persisted.
type Release struct {
	Title   string
	Link    string // resource URL (magnet, torrent/NZB link, or plain URL)
	Indexer string

	Seeders  int
	Leechers int
	Size     int64

	Protocol models.Protocol
	Quality  string // declared quality tag, informational

	// Multi-item metadata
	Season       *int
	Episode      *int
	IsSeasonPack bool

	// Score is populated by Rank
	Score float64
}

// NormalizeTitle lowercases a title and strips non-alphanumerics, producing
// the title half of the dedup key
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

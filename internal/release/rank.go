package release

import (
	"math"
	"sort"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/moistari/rls"

	"github.com/amaumene/fetcharr/internal/models"
)

// Score weights. Tunable, not product surface.
const (
	weightQuality = 0.6
	weightSeeders = 0.3
	weightHealth  = 0.1

	maxQualityScore = 2000
)

// Options controls ranking behavior
type Options struct {
	// MinSeeders floor-filters torrent releases before scoring. Usenet
	// releases carry no swarm and are never subject to the floor.
	MinSeeders int
	// MaxResults truncates the ranked output; 0 means no truncation
	MaxResults int
}

// Rank removes duplicate candidates, scores the remainder and returns them
// sorted descending by score, truncated to opts.MaxResults.
func Rank(releases []*Release, opts Options) []*Release {
	deduped := dedupe(releases)

	var scored []*Release
	for _, r := range deduped {
		if opts.MinSeeders > 0 && r.Protocol != models.ProtocolUsenet && r.Seeders < opts.MinSeeders {
			continue
		}
		r.Score = score(r)
		scored = append(scored, r)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if opts.MaxResults > 0 && len(scored) > opts.MaxResults {
		scored = scored[:opts.MaxResults]
	}
	return scored
}

// dedupKey is (content hash when extractable, normalized title)
type dedupKey struct {
	infoHash string
	title    string
}

// dedupe merges releases describing the same underlying content, keeping the
// one with the higher seeder count and tie-breaking on the more complete
// quality descriptor.
func dedupe(releases []*Release) []*Release {
	seen := make(map[dedupKey]*Release, len(releases))
	var order []dedupKey

	for _, r := range releases {
		key := dedupKey{
			infoHash: infoHashFromLink(r.Link),
			title:    NormalizeTitle(r.Title),
		}

		existing, ok := seen[key]
		if !ok {
			seen[key] = r
			order = append(order, key)
			continue
		}

		if r.Seeders > existing.Seeders {
			seen[key] = r
		} else if r.Seeders == existing.Seeders &&
			qualitySignals(r.Title) > qualitySignals(existing.Title) {
			seen[key] = r
		}
	}

	out := make([]*Release, 0, len(order))
	for _, key := range order {
		out = append(out, seen[key])
	}
	return out
}

// infoHashFromLink extracts a BitTorrent info-hash from a magnet resource
// URL; absent for everything else
func infoHashFromLink(link string) string {
	if !strings.HasPrefix(link, "magnet:") {
		return ""
	}
	magnet, err := metainfo.ParseMagnetUri(link)
	if err != nil {
		return ""
	}
	return magnet.InfoHash.HexString()
}

// score computes the composite selection score
func score(r *Release) float64 {
	return weightQuality*qualityScore(r.Title) +
		weightSeeders*seederScore(r.Seeders) +
		weightHealth*healthScore(r.Seeders, r.Leechers)
}

// qualityScore maps resolution/source/codec signals parsed from the release
// name onto a bounded 0..2000 scale
func qualityScore(title string) float64 {
	parsed := rls.ParseString(title)

	var s float64

	switch strings.ToLower(parsed.Resolution) {
	case "2160p", "4320p":
		s += 1000
	case "1080p":
		s += 800
	case "720p":
		s += 500
	case "576p", "480p":
		s += 200
	default:
		s += 100
	}

	source := strings.ToLower(parsed.Source)
	switch {
	case strings.Contains(source, "remux"):
		s += 700
	case strings.Contains(source, "bluray"):
		s += 550
	case strings.Contains(source, "web-dl"), source == "web":
		s += 450
	case strings.Contains(source, "webrip"):
		s += 300
	case strings.Contains(source, "hdtv"):
		s += 200
	case strings.Contains(source, "dvd"):
		s += 100
	}

	for _, codec := range parsed.Codec {
		switch strings.ToLower(codec) {
		case "x265", "h.265", "hevc", "av1":
			s += 150
		case "x264", "h.264", "avc":
			s += 100
		}
	}

	if len(parsed.HDR) > 0 {
		s += 100
	}

	return math.Min(s, maxQualityScore)
}

// seederScore is 100*log10(seeders), 0 for zero or negative
func seederScore(seeders int) float64 {
	if seeders <= 0 {
		return 0
	}
	return 100 * math.Log10(float64(seeders))
}

// healthScore is the seeder fraction of the swarm on a 0..100 scale
func healthScore(seeders, leechers int) float64 {
	total := seeders + leechers
	if total <= 0 {
		return 0
	}
	return 100 * float64(seeders) / float64(total)
}

// qualitySignals counts how many quality descriptors a release name carries,
// used as the dedup tie-breaker
func qualitySignals(title string) int {
	parsed := rls.ParseString(title)

	n := 0
	if parsed.Resolution != "" {
		n++
	}
	if parsed.Source != "" {
		n++
	}
	n += len(parsed.Codec)
	n += len(parsed.HDR)
	n += len(parsed.Audio)
	return n
}

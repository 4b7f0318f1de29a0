// Package fetch normalizes a candidate release's resource URL into something
// a backend adapter can accept: a magnet URI verbatim, a downloaded torrent or
// NZB file body, or an opaque URL passthrough.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

const (
	// maxRedirects caps manual redirect following. Magnet URIs cannot be
	// fetched over HTTP, so every hop is inspected for the magnet scheme
	// before it is followed.
	maxRedirects = 10

	// maxBodySize limits how much of a resource body is read (covers every
	// realistic torrent or NZB file)
	maxBodySize = 50 * 1024 * 1024

	torrentMagic = "d8:announce"
)

// ErrTooManyRedirects is returned when a URL redirects past the cap
var ErrTooManyRedirects = errors.New("too many redirects")

// ErrFetchFailed is returned for network failures and unexpected statuses
// while resolving a resource URL
var ErrFetchFailed = errors.New("resource fetch failed")

// ErrRateLimited is returned when the remote source throttles the request.
// The error message carries the Retry-After hint when the server sent one.
var ErrRateLimited = errors.New("rate limited by source")

// Resolver turns resource URLs into normalized download resources
type Resolver struct {
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewResolver creates a resolver. Redirects are followed manually, so the
// underlying client never follows them itself.
func NewResolver(logger *logrus.Logger) *Resolver {
	return &Resolver{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Resolve normalizes a resource URL. Magnet URIs pass through verbatim;
// HTTP(S) URLs are fetched with redirect inspection and the body is sniffed
// by content; anything unrecognized is passed through as an opaque URL.
func (r *Resolver) Resolve(ctx context.Context, rawURL, title string) (*downloader.Resource, error) {
	if strings.HasPrefix(rawURL, "magnet:") {
		return magnetResource(rawURL, title)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrFetchFailed, parsed.Scheme)
	}

	body, finalURL, err := r.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if body == nil {
		// Redirect chain ended on a magnet target
		return magnetResource(finalURL, title)
	}

	return sniff(body, finalURL, title), nil
}

// fetch follows redirects manually up to maxRedirects. It returns a nil body
// with the final URL when a hop redirects to a magnet URI.
func (r *Resolver) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	current := rawURL

	for hop := 0; hop <= maxRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		req.Header.Set("User-Agent", "fetcharr/1.0")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()

			if location == "" {
				return nil, "", fmt.Errorf("%w: redirect without location from %s", ErrFetchFailed, current)
			}
			if strings.HasPrefix(location, "magnet:") {
				r.logger.WithField("url", current).Debug("Redirect target is a magnet URI")
				return nil, location, nil
			}

			next, err := url.Parse(location)
			if err != nil {
				return nil, "", fmt.Errorf("%w: invalid redirect location %q: %v", ErrFetchFailed, location, err)
			}
			base, _ := url.Parse(current)
			current = base.ResolveReference(next).String()
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := resp.Header.Get("Retry-After")
			io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			if retryAfter != "" {
				return nil, "", fmt.Errorf("%w: retry after %s", ErrRateLimited, retryAfter)
			}
			return nil, "", ErrRateLimited
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return nil, "", fmt.Errorf("%w: unexpected status %d: %s", ErrFetchFailed, resp.StatusCode, string(body))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		if err != nil {
			return nil, "", fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
		}

		r.logger.WithFields(logrus.Fields{
			"url":        current,
			"size_bytes": len(body),
			"hops":       hop,
		}).Debug("Resource fetched")

		return body, current, nil
	}

	return nil, "", fmt.Errorf("%w: more than %d for %s", ErrTooManyRedirects, maxRedirects, rawURL)
}

// sniff classifies a fetched body by content. A torrent file begins with the
// bencoded-dictionary magic for an "announce" key; an NZB is XML containing
// an "nzb" marker. Anything else is passed through as an opaque URL.
func sniff(body []byte, finalURL, title string) *downloader.Resource {
	if bytes.HasPrefix(body, []byte(torrentMagic)) || bytes.HasPrefix(body, []byte("d")) && isTorrent(body) {
		res := &downloader.Resource{
			Kind:     downloader.ResourceFile,
			Protocol: models.ProtocolTorrent,
			Content:  body,
			Filename: title + ".torrent",
			Title:    title,
		}
		if mi, err := metainfo.Load(bytes.NewReader(body)); err == nil {
			res.InfoHash = mi.HashInfoBytes().HexString()
		}
		return res
	}

	if isNZB(body) {
		return &downloader.Resource{
			Kind:     downloader.ResourceFile,
			Protocol: models.ProtocolUsenet,
			Content:  body,
			Filename: title + ".nzb",
			Title:    title,
		}
	}

	return &downloader.Resource{
		Kind:     downloader.ResourceURL,
		Protocol: models.ProtocolUnknown,
		URI:      finalURL,
		Title:    title,
	}
}

// isTorrent confirms a bencoded body really parses as a torrent file
func isTorrent(body []byte) bool {
	if !bytes.HasPrefix(body, []byte(torrentMagic)) {
		_, err := metainfo.Load(bytes.NewReader(body))
		return err == nil
	}
	return true
}

// isNZB checks the leading bytes for an XML declaration and an nzb marker
func isNZB(body []byte) bool {
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	lower := bytes.ToLower(head)
	if !bytes.Contains(lower, []byte("<?xml")) && !bytes.Contains(lower, []byte("<nzb")) {
		return false
	}
	return bytes.Contains(lower, []byte("nzb"))
}

// magnetResource builds a magnet passthrough resource, extracting the
// info-hash from the xt parameter when present
func magnetResource(uri, title string) (*downloader.Resource, error) {
	res := &downloader.Resource{
		Kind:     downloader.ResourceMagnet,
		Protocol: models.ProtocolTorrent,
		URI:      uri,
		Title:    title,
	}

	magnet, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid magnet URI: %v", ErrFetchFailed, err)
	}
	res.InfoHash = magnet.InfoHash.HexString()
	if title == "" && magnet.DisplayName != "" {
		res.Title = magnet.DisplayName
	}

	return res, nil
}

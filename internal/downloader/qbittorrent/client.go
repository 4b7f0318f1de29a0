// Package qbittorrent adapts a qBittorrent instance to the downloader
// contract through its Web API.
package qbittorrent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

// Client implements the downloader contract for qBittorrent
type Client struct {
	name     string
	category string
	saveDir  string
	qbt      *qbt.Client
	logger   *logrus.Logger

	mu       sync.Mutex
	loggedIn bool
}

// New creates a qBittorrent adapter. Login is deferred to first use so a
// temporarily unreachable instance does not fail process startup.
func New(cfg config.BackendConfig, logger *logrus.Logger) (downloader.Downloader, error) {
	qbtClient := qbt.NewClient(qbt.Config{
		Host:          cfg.URL(),
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       60,
		TLSSkipVerify: false,
	})

	return &Client{
		name:     cfg.Name,
		category: cfg.Category,
		saveDir:  cfg.DownloadDir,
		qbt:      qbtClient,
		logger:   logger,
	}, nil
}

func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loggedIn {
		return nil
	}
	if err := c.qbt.LoginCtx(ctx); err != nil {
		return err
	}
	c.loggedIn = true
	return nil
}

// Test verifies connectivity and credentials
func (c *Client) Test(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return downloader.WrapErr(c.name, "test", err)
	}
	version, err := c.qbt.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return downloader.WrapErr(c.name, "test", err)
	}
	c.logger.WithFields(logrus.Fields{
		"backend":     c.name,
		"api_version": version,
	}).Debug("qBittorrent connection verified")
	return nil
}

// Submit adds a torrent and returns its info-hash. The info-hash derived from
// the resource is preferred; when the resource is an opaque URL the new hash
// is found by diffing the torrent list.
func (c *Client) Submit(ctx context.Context, res *downloader.Resource, opts downloader.SubmitOptions) (string, error) {
	if err := c.login(ctx); err != nil {
		return "", downloader.WrapErr(c.name, "submit", err)
	}

	options := c.addOptions(opts)

	var before map[string]bool
	if res.InfoHash == "" {
		hashes, err := c.listHashes(ctx)
		if err != nil {
			return "", downloader.WrapErr(c.name, "submit", err)
		}
		before = hashes
	}

	var err error
	switch res.Kind {
	case downloader.ResourceFile:
		err = c.qbt.AddTorrentFromMemoryCtx(ctx, res.Content, options)
	case downloader.ResourceMagnet, downloader.ResourceURL:
		err = c.qbt.AddTorrentFromUrlCtx(ctx, res.URI, options)
	default:
		err = fmt.Errorf("unsupported resource kind %q", res.Kind)
	}
	if err != nil {
		return "", downloader.WrapErr(c.name, "submit", err)
	}

	if res.InfoHash != "" {
		return res.InfoHash, nil
	}

	hash, err := c.waitForNewHash(ctx, before)
	if err != nil {
		return "", downloader.WrapErr(c.name, "submit", err)
	}
	return hash, nil
}

func (c *Client) addOptions(opts downloader.SubmitOptions) map[string]string {
	options := make(map[string]string)
	category := opts.Category
	if category == "" {
		category = c.category
	}
	if category != "" {
		options["category"] = category
	}
	saveDir := opts.DownloadDir
	if saveDir == "" {
		saveDir = c.saveDir
	}
	if saveDir != "" {
		options["savepath"] = saveDir
	}
	if opts.Paused {
		options["paused"] = "true"
	}
	return options
}

func (c *Client) listHashes(ctx context.Context) (map[string]bool, error) {
	torrents, err := c.qbt.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]bool, len(torrents))
	for _, t := range torrents {
		hashes[t.Hash] = true
	}
	return hashes, nil
}

// waitForNewHash polls the torrent list briefly until a hash appears that was
// not present before submission
func (c *Client) waitForNewHash(ctx context.Context, before map[string]bool) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		torrents, err := c.qbt.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
		if err != nil {
			return "", err
		}
		for _, t := range torrents {
			if !before[t.Hash] {
				return t.Hash, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("added torrent did not appear in list")
}

// Status fetches the live status of one torrent by info-hash
func (c *Client) Status(ctx context.Context, id string) (*downloader.LiveStatus, error) {
	if err := c.login(ctx); err != nil {
		return nil, downloader.WrapErr(c.name, "status", err)
	}

	torrents, err := c.qbt.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{id}})
	if err != nil {
		return nil, downloader.WrapErr(c.name, "status", err)
	}
	if len(torrents) == 0 {
		return nil, downloader.ErrNotFound
	}

	status := c.toStatus(torrents[0])
	return &status, nil
}

// ListActive fetches every torrent in the configured category
func (c *Client) ListActive(ctx context.Context) ([]downloader.LiveStatus, error) {
	if err := c.login(ctx); err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	filter := qbt.TorrentFilterOptions{}
	if c.category != "" {
		filter.Category = c.category
	}

	torrents, err := c.qbt.GetTorrentsCtx(ctx, filter)
	if err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	statuses := make([]downloader.LiveStatus, 0, len(torrents))
	for _, t := range torrents {
		statuses = append(statuses, c.toStatus(t))
	}
	return statuses, nil
}

// Remove deletes a torrent, optionally with its data
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	if err := c.login(ctx); err != nil {
		return downloader.WrapErr(c.name, "remove", err)
	}
	return downloader.WrapErr(c.name, "remove",
		c.qbt.DeleteTorrentsCtx(ctx, []string{id}, deleteFiles))
}

// Pause suspends a torrent
func (c *Client) Pause(ctx context.Context, id string) error {
	if err := c.login(ctx); err != nil {
		return downloader.WrapErr(c.name, "pause", err)
	}
	return downloader.WrapErr(c.name, "pause", c.qbt.PauseCtx(ctx, []string{id}))
}

// Resume restarts a paused torrent
func (c *Client) Resume(ctx context.Context, id string) error {
	if err := c.login(ctx); err != nil {
		return downloader.WrapErr(c.name, "resume", err)
	}
	return downloader.WrapErr(c.name, "resume", c.qbt.ResumeCtx(ctx, []string{id}))
}

func (c *Client) toStatus(t qbt.Torrent) downloader.LiveStatus {
	status := downloader.LiveStatus{
		Backend:      c.name,
		ID:           t.Hash,
		Name:         t.Name,
		State:        mapState(t.State),
		Progress:     t.Progress,
		DownloadRate: t.DlSpeed,
		UploadRate:   t.UpSpeed,
		ETASeconds:   t.ETA,
		Size:         t.Size,
		Downloaded:   t.Downloaded,
		Uploaded:     t.Uploaded,
		Ratio:        t.Ratio,
		SavePath:     t.SavePath,
	}
	if status.State == models.StateError {
		status.ErrorMessage = "qBittorrent reports state " + strconv.Quote(string(t.State))
	}
	return status
}

// mapState translates qBittorrent torrent states onto the shared state enum
func mapState(state qbt.TorrentState) models.DownloadState {
	switch state {
	case qbt.TorrentStateError, qbt.TorrentStateMissingFiles:
		return models.StateError
	case qbt.TorrentStateUploading, qbt.TorrentStateStalledUp,
		qbt.TorrentStateForcedUp, qbt.TorrentStateQueuedUp:
		return models.StateSeeding
	case qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedUp:
		return models.StateCompleted
	case qbt.TorrentStatePausedDl, qbt.TorrentStateStoppedDl:
		return models.StatePaused
	case qbt.TorrentStateCheckingUp, qbt.TorrentStateCheckingDl,
		qbt.TorrentStateCheckingResumeData, qbt.TorrentStateMoving:
		return models.StateChecking
	case qbt.TorrentStateDownloading, qbt.TorrentStateMetaDl,
		qbt.TorrentStateStalledDl, qbt.TorrentStateQueuedDl,
		qbt.TorrentStateForcedDl, qbt.TorrentStateAllocating:
		return models.StateDownloading
	default:
		return models.StateUnknown
	}
}

// Package transmission adapts a Transmission daemon to the downloader
// contract through its JSON-RPC interface.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

// Transmission torrent status codes
const (
	statusStopped      = 0
	statusCheckWait    = 1
	statusChecking     = 2
	statusDownloadWait = 3
	statusDownloading  = 4
	statusSeedWait     = 5
	statusSeeding      = 6
)

var torrentFields = []string{
	"hashString", "name", "status", "percentDone", "rateDownload",
	"rateUpload", "eta", "totalSize", "downloadedEver", "uploadedEver",
	"uploadRatio", "downloadDir", "errorString", "error", "isFinished",
}

// Client implements the downloader contract for Transmission
type Client struct {
	name       string
	rpcURL     string
	username   string
	password   string
	saveDir    string
	httpClient *http.Client
	logger     *logrus.Logger

	mu        sync.Mutex
	sessionID string
}

// New creates a Transmission adapter
func New(cfg config.BackendConfig, logger *logrus.Logger) (downloader.Downloader, error) {
	return &Client{
		name:     cfg.Name,
		rpcURL:   cfg.URL() + "/transmission/rpc",
		username: cfg.Username,
		password: cfg.Password,
		saveDir:  cfg.DownloadDir,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}, nil
}

type rpcRequest struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// call performs one RPC round trip, handling Transmission's CSRF session-id
// handshake: a 409 response carries the id to present on the retry.
func (c *Client) call(ctx context.Context, method string, args map[string]any, out any) error {
	payload, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		c.mu.Lock()
		if c.sessionID != "" {
			req.Header.Set("X-Transmission-Session-Id", c.sessionID)
		}
		c.mu.Unlock()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("RPC request failed: %w", err)
		}

		if resp.StatusCode == http.StatusConflict {
			sessionID := resp.Header.Get("X-Transmission-Session-Id")
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()

			if sessionID == "" {
				return fmt.Errorf("409 response without session id")
			}
			c.mu.Lock()
			c.sessionID = sessionID
			c.mu.Unlock()
			continue
		}

		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("RPC returned status %d: %s", resp.StatusCode, string(body))
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return fmt.Errorf("failed to decode RPC response: %w", err)
		}
		if rpcResp.Result != "success" {
			return fmt.Errorf("RPC %s failed: %s", method, rpcResp.Result)
		}
		if out != nil && len(rpcResp.Arguments) > 0 {
			if err := json.Unmarshal(rpcResp.Arguments, out); err != nil {
				return fmt.Errorf("failed to decode RPC arguments: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("session id handshake did not settle")
}

// Test verifies connectivity and credentials
func (c *Client) Test(ctx context.Context) error {
	var session struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "session-get", nil, &session); err != nil {
		return downloader.WrapErr(c.name, "test", err)
	}
	c.logger.WithFields(logrus.Fields{
		"backend": c.name,
		"version": session.Version,
	}).Debug("Transmission connection verified")
	return nil
}

type addedTorrent struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	HashString string `json:"hashString"`
}

// Submit adds a torrent and returns its hash string, which Transmission keeps
// stable across restarts
func (c *Client) Submit(ctx context.Context, res *downloader.Resource, opts downloader.SubmitOptions) (string, error) {
	args := make(map[string]any)

	switch res.Kind {
	case downloader.ResourceFile:
		args["metainfo"] = base64.StdEncoding.EncodeToString(res.Content)
	case downloader.ResourceMagnet, downloader.ResourceURL:
		args["filename"] = res.URI
	default:
		return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("unsupported resource kind %q", res.Kind))
	}

	saveDir := opts.DownloadDir
	if saveDir == "" {
		saveDir = c.saveDir
	}
	if saveDir != "" {
		args["download-dir"] = saveDir
	}
	if opts.Paused {
		args["paused"] = true
	}

	var result struct {
		Added     *addedTorrent `json:"torrent-added"`
		Duplicate *addedTorrent `json:"torrent-duplicate"`
	}
	if err := c.call(ctx, "torrent-add", args, &result); err != nil {
		return "", downloader.WrapErr(c.name, "submit", err)
	}

	switch {
	case result.Added != nil:
		return result.Added.HashString, nil
	case result.Duplicate != nil:
		return result.Duplicate.HashString, nil
	}
	return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("torrent-add returned no torrent"))
}

type torrentInfo struct {
	HashString     string  `json:"hashString"`
	Name           string  `json:"name"`
	Status         int     `json:"status"`
	PercentDone    float64 `json:"percentDone"`
	RateDownload   int64   `json:"rateDownload"`
	RateUpload     int64   `json:"rateUpload"`
	ETA            int64   `json:"eta"`
	TotalSize      int64   `json:"totalSize"`
	DownloadedEver int64   `json:"downloadedEver"`
	UploadedEver   int64   `json:"uploadedEver"`
	UploadRatio    float64 `json:"uploadRatio"`
	DownloadDir    string  `json:"downloadDir"`
	ErrorString    string  `json:"errorString"`
	ErrorCode      int     `json:"error"`
	IsFinished     bool    `json:"isFinished"`
}

func (c *Client) getTorrents(ctx context.Context, ids []string) ([]torrentInfo, error) {
	args := map[string]any{"fields": torrentFields}
	if len(ids) > 0 {
		args["ids"] = ids
	}

	var result struct {
		Torrents []torrentInfo `json:"torrents"`
	}
	if err := c.call(ctx, "torrent-get", args, &result); err != nil {
		return nil, err
	}
	return result.Torrents, nil
}

// Status fetches the live status of one torrent by hash
func (c *Client) Status(ctx context.Context, id string) (*downloader.LiveStatus, error) {
	torrents, err := c.getTorrents(ctx, []string{id})
	if err != nil {
		return nil, downloader.WrapErr(c.name, "status", err)
	}
	if len(torrents) == 0 {
		return nil, downloader.ErrNotFound
	}
	status := c.toStatus(torrents[0])
	return &status, nil
}

// ListActive fetches every torrent the daemon knows about
func (c *Client) ListActive(ctx context.Context) ([]downloader.LiveStatus, error) {
	torrents, err := c.getTorrents(ctx, nil)
	if err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	statuses := make([]downloader.LiveStatus, 0, len(torrents))
	for _, t := range torrents {
		statuses = append(statuses, c.toStatus(t))
	}
	return statuses, nil
}

// Remove deletes a torrent, optionally with its data on disk
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	args := map[string]any{
		"ids":               []string{id},
		"delete-local-data": deleteFiles,
	}
	return downloader.WrapErr(c.name, "remove", c.call(ctx, "torrent-remove", args, nil))
}

// Pause stops a torrent
func (c *Client) Pause(ctx context.Context, id string) error {
	return downloader.WrapErr(c.name, "pause",
		c.call(ctx, "torrent-stop", map[string]any{"ids": []string{id}}, nil))
}

// Resume starts a stopped torrent
func (c *Client) Resume(ctx context.Context, id string) error {
	return downloader.WrapErr(c.name, "resume",
		c.call(ctx, "torrent-start", map[string]any{"ids": []string{id}}, nil))
}

func (c *Client) toStatus(t torrentInfo) downloader.LiveStatus {
	status := downloader.LiveStatus{
		Backend:      c.name,
		ID:           t.HashString,
		Name:         t.Name,
		State:        mapState(t),
		Progress:     t.PercentDone,
		DownloadRate: t.RateDownload,
		UploadRate:   t.RateUpload,
		ETASeconds:   t.ETA,
		Size:         t.TotalSize,
		Downloaded:   t.DownloadedEver,
		Uploaded:     t.UploadedEver,
		Ratio:        t.UploadRatio,
		SavePath:     t.DownloadDir,
		ErrorMessage: t.ErrorString,
	}
	return status
}

// mapState translates Transmission status codes onto the shared state enum
func mapState(t torrentInfo) models.DownloadState {
	if t.ErrorCode != 0 {
		return models.StateError
	}

	switch t.Status {
	case statusStopped:
		if t.IsFinished || t.PercentDone >= 1.0 {
			return models.StateCompleted
		}
		return models.StatePaused
	case statusCheckWait, statusChecking:
		return models.StateChecking
	case statusDownloadWait, statusDownloading:
		return models.StateDownloading
	case statusSeedWait, statusSeeding:
		return models.StateSeeding
	default:
		return models.StateUnknown
	}
}

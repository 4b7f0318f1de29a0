// Package torbox adapts the TorBox hosted download service to the downloader
// contract. It is the generic HTTP backend: it accepts plain links and
// downloads them server-side.
package torbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

const apiBase = "https://api.torbox.app/v1/api"

// Client implements the downloader contract for TorBox web downloads.
// TorBox reports a content hash per download, which serves as the stable
// backend identifier; the numeric download id is resolved per call.
type Client struct {
	name       string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

// New creates a TorBox adapter
func New(cfg config.BackendConfig, logger *logrus.Logger) (downloader.Downloader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("TorBox API key is required")
	}

	return &Client{
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, apiBase+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Test verifies the API key against the user endpoint
func (c *Client) Test(ctx context.Context) error {
	var result struct {
		Success bool   `json:"success"`
		Detail  string `json:"detail"`
	}
	if err := c.do(ctx, http.MethodGet, "/user/me?settings=false", nil, "", &result); err != nil {
		return downloader.WrapErr(c.name, "test", err)
	}
	if !result.Success {
		return downloader.WrapErr(c.name, "test", fmt.Errorf("authentication failed: %s", result.Detail))
	}
	return nil
}

type createResponse struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Detail  string  `json:"detail"`
	Data    struct {
		Hash          string `json:"hash"`
		WebDownloadID int    `json:"webdownload_id"`
		AuthID        string `json:"auth_id"`
	} `json:"data"`
}

// Submit hands a link to TorBox and returns the content hash it reports
func (c *Client) Submit(ctx context.Context, res *downloader.Resource, opts downloader.SubmitOptions) (string, error) {
	if res.Kind == downloader.ResourceFile {
		return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("TorBox backend accepts links only"))
	}

	form := url.Values{}
	form.Set("link", res.URI)
	if res.Title != "" {
		form.Set("name", res.Title)
	}

	var result createResponse
	err := c.do(ctx, http.MethodPost, "/webdl/createwebdownload",
		bytes.NewReader([]byte(form.Encode())), "application/x-www-form-urlencoded", &result)
	if err != nil {
		return "", downloader.WrapErr(c.name, "submit", err)
	}
	if !result.Success || result.Data.Hash == "" {
		return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("download creation failed: %s", result.Detail))
	}

	c.logger.WithFields(logrus.Fields{
		"backend": c.name,
		"hash":    result.Data.Hash,
		"detail":  result.Detail,
	}).Debug("Created TorBox web download")

	return result.Data.Hash, nil
}

type webDownload struct {
	ID               int     `json:"id"`
	Name             string  `json:"name"`
	Hash             string  `json:"hash"`
	DownloadState    string  `json:"download_state"`
	DownloadSpeed    int64   `json:"download_speed"`
	ETA              int64   `json:"eta"`
	Progress         float64 `json:"progress"`
	Size             int64   `json:"size"`
	Active           bool    `json:"active"`
	Cached           bool    `json:"cached"`
	DownloadFinished bool    `json:"download_finished"`
	DownloadPresent  bool    `json:"download_present"`
	Error            string  `json:"error"`
}

type listResponse struct {
	Success bool          `json:"success"`
	Detail  string        `json:"detail"`
	Data    []webDownload `json:"data"`
}

func (c *Client) list(ctx context.Context) ([]webDownload, error) {
	var result listResponse
	if err := c.do(ctx, http.MethodGet, "/webdl/mylist", nil, "", &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("failed to list downloads: %s", result.Detail)
	}
	return result.Data, nil
}

// Status fetches the live status of one download by hash
func (c *Client) Status(ctx context.Context, id string) (*downloader.LiveStatus, error) {
	downloads, err := c.list(ctx)
	if err != nil {
		return nil, downloader.WrapErr(c.name, "status", err)
	}
	for _, d := range downloads {
		if d.Hash == id {
			status := c.toStatus(d)
			return &status, nil
		}
	}
	return nil, downloader.ErrNotFound
}

// ListActive fetches every web download on the account
func (c *Client) ListActive(ctx context.Context) ([]downloader.LiveStatus, error) {
	downloads, err := c.list(ctx)
	if err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	statuses := make([]downloader.LiveStatus, 0, len(downloads))
	for _, d := range downloads {
		statuses = append(statuses, c.toStatus(d))
	}
	return statuses, nil
}

func (c *Client) control(ctx context.Context, id string, operation string) error {
	downloads, err := c.list(ctx)
	if err != nil {
		return err
	}

	webdlID := -1
	for _, d := range downloads {
		if d.Hash == id {
			webdlID = d.ID
			break
		}
	}
	if webdlID < 0 {
		return downloader.ErrNotFound
	}

	payload, err := json.Marshal(map[string]any{
		"webdl_id":  webdlID,
		"operation": operation,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	var result struct {
		Success bool   `json:"success"`
		Detail  string `json:"detail"`
	}
	err = c.do(ctx, http.MethodPost, "/webdl/controlwebdownload",
		bytes.NewReader(payload), "application/json", &result)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("control %s failed: %s", operation, result.Detail)
	}
	return nil
}

// Remove deletes a download. TorBox storage is remote, so deleteFiles always
// removes the server-side copy.
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	return downloader.WrapErr(c.name, "remove", c.control(ctx, id, "delete"))
}

// Pause suspends a download
func (c *Client) Pause(ctx context.Context, id string) error {
	return downloader.WrapErr(c.name, "pause", c.control(ctx, id, "pause"))
}

// Resume restarts a paused download
func (c *Client) Resume(ctx context.Context, id string) error {
	return downloader.WrapErr(c.name, "resume", c.control(ctx, id, "resume"))
}

func (c *Client) toStatus(d webDownload) downloader.LiveStatus {
	status := downloader.LiveStatus{
		Backend:      c.name,
		ID:           d.Hash,
		Name:         d.Name,
		Progress:     d.Progress,
		DownloadRate: d.DownloadSpeed,
		ETASeconds:   d.ETA,
		Size:         d.Size,
		Downloaded:   int64(d.Progress * float64(d.Size)),
		ErrorMessage: d.Error,
	}

	switch {
	case d.Error != "" || strings.EqualFold(d.DownloadState, "error") ||
		strings.EqualFold(d.DownloadState, "failed"):
		status.State = models.StateError
	case d.DownloadFinished || d.Cached || d.Progress >= 1.0:
		status.State = models.StateCompleted
		status.Progress = 1.0
	case strings.EqualFold(d.DownloadState, "paused"):
		status.State = models.StatePaused
	case d.Active:
		status.State = models.StateDownloading
	default:
		status.State = models.StateUnknown
	}
	return status
}

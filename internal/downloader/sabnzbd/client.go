// Package sabnzbd adapts a SABnzbd instance to the downloader contract
// through its REST API.
package sabnzbd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

// Client implements the downloader contract for SABnzbd. SABnzbd's nzo ids
// are random strings that are never reused, so they serve directly as the
// stable backend identifier.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	category   string
	httpClient *http.Client
	logger     *logrus.Logger
}

// New creates a SABnzbd adapter
func New(cfg config.BackendConfig, logger *logrus.Logger) (downloader.Downloader, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("SABnzbd API key is required")
	}

	return &Client{
		name:     cfg.Name,
		baseURL:  cfg.URL(),
		apiKey:   cfg.APIKey,
		category: cfg.Category,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}, nil
}

func (c *Client) apiURL(mode string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("mode", mode)
	params.Set("output", "json")
	params.Set("apikey", c.apiKey)
	return c.baseURL + "/api?" + params.Encode()
}

func (c *Client) get(ctx context.Context, mode string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(mode, params), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Test verifies connectivity and the API key
func (c *Client) Test(ctx context.Context) error {
	var result struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "version", nil, &result); err != nil {
		return downloader.WrapErr(c.name, "test", err)
	}
	c.logger.WithFields(logrus.Fields{
		"backend": c.name,
		"version": result.Version,
	}).Debug("SABnzbd connection verified")
	return nil
}

type addResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
	Error  string   `json:"error"`
}

// Submit hands an NZB to SABnzbd, either as an uploaded file or a URL, and
// returns the assigned nzo id
func (c *Client) Submit(ctx context.Context, res *downloader.Resource, opts downloader.SubmitOptions) (string, error) {
	category := opts.Category
	if category == "" {
		category = c.category
	}

	var result addResponse
	var err error

	switch res.Kind {
	case downloader.ResourceFile:
		result, err = c.addFile(ctx, res, category, opts.Paused)
	case downloader.ResourceURL:
		params := url.Values{}
		params.Set("name", res.URI)
		if res.Title != "" {
			params.Set("nzbname", res.Title)
		}
		if category != "" {
			params.Set("cat", category)
		}
		if opts.Paused {
			params.Set("priority", "-2") // paused priority
		}
		err = c.get(ctx, "addurl", params, &result)
	default:
		return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("unsupported resource kind %q", res.Kind))
	}

	if err != nil {
		return "", downloader.WrapErr(c.name, "submit", err)
	}
	if !result.Status || len(result.NzoIDs) == 0 {
		return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("add rejected: %s", result.Error))
	}
	return result.NzoIDs[0], nil
}

func (c *Client) addFile(ctx context.Context, res *downloader.Resource, category string, paused bool) (addResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("name", res.Filename)
	if err != nil {
		return addResponse{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(res.Content); err != nil {
		return addResponse{}, fmt.Errorf("failed to write NZB data: %w", err)
	}
	if res.Title != "" {
		writer.WriteField("nzbname", res.Title)
	}
	if category != "" {
		writer.WriteField("cat", category)
	}
	if paused {
		writer.WriteField("priority", "-2")
	}
	if err := writer.Close(); err != nil {
		return addResponse{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("addfile", nil), &buf)
	if err != nil {
		return addResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return addResponse{}, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return addResponse{}, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result addResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return addResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

type queueSlot struct {
	NzoID      string `json:"nzo_id"`
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Percentage string `json:"percentage"`
	MB         string `json:"mb"`
	MBLeft     string `json:"mbleft"`
	TimeLeft   string `json:"timeleft"`
}

type queueResponse struct {
	Queue struct {
		Slots     []queueSlot `json:"slots"`
		KBPerSec  string      `json:"kbpersec"`
		Paused    bool        `json:"paused"`
		Diskspace string      `json:"diskspace1"`
	} `json:"queue"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	FailMessage string `json:"fail_message"`
	Storage     string `json:"storage"`
	Bytes       int64  `json:"bytes"`
}

type historyResponse struct {
	History struct {
		Slots []historySlot `json:"slots"`
	} `json:"history"`
}

// Status fetches the live status of one item by nzo id, checking the queue
// first and then history
func (c *Client) Status(ctx context.Context, id string) (*downloader.LiveStatus, error) {
	statuses, err := c.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for i := range statuses {
		if statuses[i].ID == id {
			return &statuses[i], nil
		}
	}
	return nil, downloader.ErrNotFound
}

// ListActive merges SABnzbd's queue and history views. The queue holds items
// still transferring; completed and failed items move to history.
func (c *Client) ListActive(ctx context.Context) ([]downloader.LiveStatus, error) {
	var queue queueResponse
	if err := c.get(ctx, "queue", nil, &queue); err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	var history historyResponse
	params := url.Values{}
	params.Set("limit", "200")
	if err := c.get(ctx, "history", params, &history); err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	rate := parseFloat(queue.Queue.KBPerSec) * 1024

	var statuses []downloader.LiveStatus
	for _, slot := range queue.Queue.Slots {
		statuses = append(statuses, c.queueStatus(slot, int64(rate)))
	}
	for _, slot := range history.History.Slots {
		statuses = append(statuses, c.historyStatus(slot))
	}
	return statuses, nil
}

func (c *Client) queueStatus(slot queueSlot, rate int64) downloader.LiveStatus {
	total := parseFloat(slot.MB) * 1024 * 1024
	left := parseFloat(slot.MBLeft) * 1024 * 1024
	progress := 0.0
	if total > 0 {
		progress = (total - left) / total
	}

	state := models.StateDownloading
	switch strings.ToLower(slot.Status) {
	case "paused":
		state = models.StatePaused
	case "verifying", "repairing", "extracting", "checking":
		state = models.StateChecking
	case "queued", "grabbing", "downloading", "propagating", "fetching":
		state = models.StateDownloading
	}

	return downloader.LiveStatus{
		Backend:      c.name,
		ID:           slot.NzoID,
		Name:         slot.Filename,
		State:        state,
		Progress:     progress,
		DownloadRate: rate,
		Size:         int64(total),
		Downloaded:   int64(total - left),
	}
}

func (c *Client) historyStatus(slot historySlot) downloader.LiveStatus {
	status := downloader.LiveStatus{
		Backend:    c.name,
		ID:         slot.NzoID,
		Name:       slot.Name,
		Size:       slot.Bytes,
		Downloaded: slot.Bytes,
		SavePath:   slot.Storage,
	}

	switch strings.ToLower(slot.Status) {
	case "completed":
		status.State = models.StateCompleted
		status.Progress = 1.0
	case "failed":
		status.State = models.StateError
		status.ErrorMessage = slot.FailMessage
	default:
		// Post-processing states still count as checking
		status.State = models.StateChecking
	}
	return status
}

// Remove deletes an item from the queue and from history
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	params := url.Values{}
	params.Set("name", "delete")
	params.Set("value", id)
	if deleteFiles {
		params.Set("del_files", "1")
	}
	if err := c.get(ctx, "queue", params, nil); err != nil {
		return downloader.WrapErr(c.name, "remove", err)
	}

	histParams := url.Values{}
	histParams.Set("name", "delete")
	histParams.Set("value", id)
	if deleteFiles {
		histParams.Set("del_files", "1")
	}
	return downloader.WrapErr(c.name, "remove", c.get(ctx, "history", histParams, nil))
}

// Pause suspends one queue item
func (c *Client) Pause(ctx context.Context, id string) error {
	params := url.Values{}
	params.Set("name", "pause")
	params.Set("value", id)
	return downloader.WrapErr(c.name, "pause", c.get(ctx, "queue", params, nil))
}

// Resume restarts one paused queue item
func (c *Client) Resume(ctx context.Context, id string) error {
	params := url.Values{}
	params.Set("name", "resume")
	params.Set("value", id)
	return downloader.WrapErr(c.name, "resume", c.get(ctx, "queue", params, nil))
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

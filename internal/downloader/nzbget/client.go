// Package nzbget adapts an NZBGet instance to the downloader contract
// through its JSON-RPC interface.
//
// NZBGet identifies queue entries by NZBID, a small integer that can be
// recycled after history cleanup. A recycled id would make reconciliation
// attribute live state to the wrong record, so this adapter never exposes
// NZBID: it synthesizes a stable identifier from the submitted resource and
// round-trips it through an NZB post parameter, translating back to the
// current NZBID on every call.
package nzbget

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/config"
	"github.com/amaumene/fetcharr/internal/downloader"
	"github.com/amaumene/fetcharr/internal/models"
)

// idParameter is the NZB post parameter that carries the synthesized stable
// identifier through NZBGet's queue and history
const idParameter = "fetcharr-id"

// Client implements the downloader contract for NZBGet
type Client struct {
	name       string
	rpcURL     string
	username   string
	password   string
	category   string
	httpClient *http.Client
	logger     *logrus.Logger
}

// New creates an NZBGet adapter
func New(cfg config.BackendConfig, logger *logrus.Logger) (downloader.Downloader, error) {
	return &Client{
		name:     cfg.Name,
		rpcURL:   cfg.URL() + "/jsonrpc",
		username: cfg.Username,
		password: cfg.Password,
		category: cfg.Category,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("RPC request failed: %w", err)
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
	if rpcResp.Error != nil {
		return fmt.Errorf("RPC %s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode RPC result: %w", err)
		}
	}
	return nil
}

// Test verifies connectivity and credentials
func (c *Client) Test(ctx context.Context) error {
	var version string
	if err := c.call(ctx, "version", nil, &version); err != nil {
		return downloader.WrapErr(c.name, "test", err)
	}
	c.logger.WithFields(logrus.Fields{
		"backend": c.name,
		"version": version,
	}).Debug("NZBGet connection verified")
	return nil
}

// StableID derives the synthesized identifier for a resource: the SHA-256 of
// the NZB body, or of the URL when the body was never fetched locally.
func StableID(res *downloader.Resource) string {
	var sum [32]byte
	if res.Kind == downloader.ResourceFile {
		sum = sha256.Sum256(res.Content)
	} else {
		sum = sha256.Sum256([]byte(res.URI))
	}
	return hex.EncodeToString(sum[:])
}

// Submit appends an NZB and returns the synthesized stable identifier
func (c *Client) Submit(ctx context.Context, res *downloader.Resource, opts downloader.SubmitOptions) (string, error) {
	if res.Kind != downloader.ResourceFile && res.Kind != downloader.ResourceURL {
		return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("unsupported resource kind %q", res.Kind))
	}

	stableID := StableID(res)

	// append(NZBFilename, Content, Category, Priority, AddToTop, AddPaused,
	// DupeKey, DupeScore, DupeMode, PPParameters); Content is base64 NZB
	// data or a URL NZBGet fetches itself.
	content := res.URI
	filename := res.Filename
	if res.Kind == downloader.ResourceFile {
		content = base64.StdEncoding.EncodeToString(res.Content)
	}
	if filename == "" {
		filename = res.Title + ".nzb"
	}

	category := opts.Category
	if category == "" {
		category = c.category
	}

	params := []any{
		filename, content, category, 0, false, opts.Paused,
		"", 0, "SCORE",
		[]any{map[string]string{"Name": idParameter, "Value": stableID}},
	}

	var nzbID int
	if err := c.call(ctx, "append", params, &nzbID); err != nil {
		return "", downloader.WrapErr(c.name, "submit", err)
	}
	if nzbID <= 0 {
		return "", downloader.WrapErr(c.name, "submit", fmt.Errorf("append rejected the NZB"))
	}

	c.logger.WithFields(logrus.Fields{
		"backend":   c.name,
		"nzb_id":    nzbID,
		"stable_id": stableID,
	}).Debug("NZB appended")

	return stableID, nil
}

type parameter struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type queueGroup struct {
	NZBID            int         `json:"NZBID"`
	NZBName          string      `json:"NZBName"`
	Status           string      `json:"Status"`
	FileSizeLo       uint32      `json:"FileSizeLo"`
	FileSizeHi       uint32      `json:"FileSizeHi"`
	DownloadedSizeLo uint32      `json:"DownloadedSizeLo"`
	DownloadedSizeHi uint32      `json:"DownloadedSizeHi"`
	DownloadRate     int64       `json:"DownloadRate"`
	DestDir          string      `json:"DestDir"`
	Parameters       []parameter `json:"Parameters"`
}

type historyEntry struct {
	NZBID      int         `json:"NZBID"`
	Name       string      `json:"Name"`
	Status     string      `json:"Status"`
	FileSizeLo uint32      `json:"FileSizeLo"`
	FileSizeHi uint32      `json:"FileSizeHi"`
	DestDir    string      `json:"DestDir"`
	Parameters []parameter `json:"Parameters"`
}

func stableIDOf(params []parameter) string {
	for _, p := range params {
		if p.Name == idParameter {
			return p.Value
		}
	}
	return ""
}

func size64(lo, hi uint32) int64 {
	return int64(hi)<<32 | int64(lo)
}

// Status fetches the live status of one item by its synthesized identifier
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

// ListActive merges NZBGet's queue and history views. Items without the
// fetcharr id parameter were added by someone else and are listed under a
// synthetic identifier derived from their NZBID so they still surface as
// untracked.
func (c *Client) ListActive(ctx context.Context) ([]downloader.LiveStatus, error) {
	var groups []queueGroup
	if err := c.call(ctx, "listgroups", []any{0}, &groups); err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	var history []historyEntry
	if err := c.call(ctx, "history", []any{false}, &history); err != nil {
		return nil, downloader.WrapErr(c.name, "list", err)
	}

	var statuses []downloader.LiveStatus
	for _, g := range groups {
		statuses = append(statuses, c.queueStatus(g))
	}
	for _, h := range history {
		statuses = append(statuses, c.historyStatus(h))
	}
	return statuses, nil
}

func (c *Client) queueStatus(g queueGroup) downloader.LiveStatus {
	id := stableIDOf(g.Parameters)
	if id == "" {
		id = fmt.Sprintf("nzbid-%d", g.NZBID)
	}

	size := size64(g.FileSizeLo, g.FileSizeHi)
	downloaded := size64(g.DownloadedSizeLo, g.DownloadedSizeHi)
	progress := 0.0
	if size > 0 {
		progress = float64(downloaded) / float64(size)
	}

	state := models.StateDownloading
	switch {
	case strings.HasPrefix(g.Status, "PAUSED"):
		state = models.StatePaused
	case strings.HasPrefix(g.Status, "PP_"), g.Status == "VERIFYING",
		g.Status == "REPAIRING", g.Status == "UNPACKING":
		state = models.StateChecking
	}

	return downloader.LiveStatus{
		Backend:      c.name,
		ID:           id,
		Name:         g.NZBName,
		State:        state,
		Progress:     progress,
		DownloadRate: g.DownloadRate,
		Size:         size,
		Downloaded:   downloaded,
		SavePath:     g.DestDir,
	}
}

func (c *Client) historyStatus(h historyEntry) downloader.LiveStatus {
	id := stableIDOf(h.Parameters)
	if id == "" {
		id = fmt.Sprintf("nzbid-%d", h.NZBID)
	}

	size := size64(h.FileSizeLo, h.FileSizeHi)
	status := downloader.LiveStatus{
		Backend:    c.name,
		ID:         id,
		Name:       h.Name,
		Size:       size,
		Downloaded: size,
		SavePath:   h.DestDir,
	}

	switch {
	case strings.HasPrefix(h.Status, "SUCCESS"):
		status.State = models.StateCompleted
		status.Progress = 1.0
	case strings.HasPrefix(h.Status, "FAILURE"), strings.HasPrefix(h.Status, "DELETED"):
		status.State = models.StateError
		status.ErrorMessage = h.Status
	default:
		status.State = models.StateUnknown
	}
	return status
}

// nzbIDFor translates a synthesized identifier back to the current NZBID
func (c *Client) nzbIDFor(ctx context.Context, id string) (int, bool, error) {
	var groups []queueGroup
	if err := c.call(ctx, "listgroups", []any{0}, &groups); err != nil {
		return 0, false, err
	}
	for _, g := range groups {
		if stableIDOf(g.Parameters) == id {
			return g.NZBID, false, nil
		}
	}

	var history []historyEntry
	if err := c.call(ctx, "history", []any{false}, &history); err != nil {
		return 0, false, err
	}
	for _, h := range history {
		if stableIDOf(h.Parameters) == id {
			return h.NZBID, true, nil
		}
	}

	return 0, false, downloader.ErrNotFound
}

func (c *Client) editQueue(ctx context.Context, command string, ids []int) error {
	var ok bool
	if err := c.call(ctx, "editqueue", []any{command, "", ids}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("editqueue %s rejected", command)
	}
	return nil
}

// Remove deletes an item from the queue or history
func (c *Client) Remove(ctx context.Context, id string, deleteFiles bool) error {
	nzbID, inHistory, err := c.nzbIDFor(ctx, id)
	if err != nil {
		return downloader.WrapErr(c.name, "remove", err)
	}

	command := "GroupDelete"
	if inHistory {
		command = "HistoryDelete"
		if deleteFiles {
			command = "HistoryFinalDelete"
		}
	} else if deleteFiles {
		command = "GroupFinalDelete"
	}
	return downloader.WrapErr(c.name, "remove", c.editQueue(ctx, command, []int{nzbID}))
}

// Pause suspends a queue item
func (c *Client) Pause(ctx context.Context, id string) error {
	nzbID, inHistory, err := c.nzbIDFor(ctx, id)
	if err != nil || inHistory {
		return downloader.WrapErr(c.name, "pause", err)
	}
	return downloader.WrapErr(c.name, "pause", c.editQueue(ctx, "GroupPause", []int{nzbID}))
}

// Resume restarts a paused queue item
func (c *Client) Resume(ctx context.Context, id string) error {
	nzbID, inHistory, err := c.nzbIDFor(ctx, id)
	if err != nil || inHistory {
		return downloader.WrapErr(c.name, "resume", err)
	}
	return downloader.WrapErr(c.name, "resume", c.editQueue(ctx, "GroupResume", []int{nzbID}))
}

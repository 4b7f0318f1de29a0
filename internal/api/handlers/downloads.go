package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/controllers"
	"github.com/amaumene/fetcharr/internal/models"
	"github.com/amaumene/fetcharr/internal/release"
)

// DownloadsHandler handles download initiation and cancellation
type DownloadsHandler struct {
	downloadCtrl *controllers.DownloadController
	logger       *logrus.Logger
}

// NewDownloadsHandler creates a new downloads handler
func NewDownloadsHandler(downloadCtrl *controllers.DownloadController, logger *logrus.Logger) *DownloadsHandler {
	return &DownloadsHandler{
		downloadCtrl: downloadCtrl,
		logger:       logger,
	}
}

// InitiateRequest is the body of a download initiation request
type InitiateRequest struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Indexer  string `json:"indexer"`
	Seeders  int    `json:"seeders"`
	Leechers int    `json:"leechers"`
	Size     int64  `json:"size"`
	Quality  string `json:"quality"`

	TargetID     string `json:"target_id"`
	Season       *int   `json:"season,omitempty"`
	Episode      *int   `json:"episode,omitempty"`
	IsSeasonPack bool   `json:"is_season_pack"`

	Backend string `json:"backend,omitempty"`
}

// ServeHTTP dispatches on method: POST initiates a download
func (h *DownloadsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.initiate(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *DownloadsHandler) initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Link == "" || req.TargetID == "" {
		http.Error(w, "link and target_id are required", http.StatusBadRequest)
		return
	}

	rel := &release.Release{
		Title:        req.Title,
		Link:         req.Link,
		Indexer:      req.Indexer,
		Seeders:      req.Seeders,
		Leechers:     req.Leechers,
		Size:         req.Size,
		Quality:      req.Quality,
		Season:       req.Season,
		Episode:      req.Episode,
		IsSeasonPack: req.IsSeasonPack,
	}
	target := controllers.Target{
		ID:           req.TargetID,
		Season:       req.Season,
		Episode:      req.Episode,
		IsSeasonPack: req.IsSeasonPack,
	}

	d, err := h.downloadCtrl.Initiate(r.Context(), rel, target, req.Backend)
	if err != nil {
		switch {
		case errors.Is(err, controllers.ErrDuplicateDownload):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, controllers.ErrNoEligibleBackend),
			errors.Is(err, controllers.ErrBackendNotFound):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.WithError(err).Error("Failed to initiate download")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(d)
}

// ServeItem handles per-download routes: DELETE cancels a download
func (h *DownloadsHandler) ServeItem(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/downloads/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "Invalid download id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		deleteFiles := r.URL.Query().Get("delete_files") == "true"
		if err := h.downloadCtrl.Cancel(r.Context(), id, deleteFiles); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				http.Error(w, "Download not found", http.StatusNotFound)
				return
			}
			h.logger.WithError(err).Error("Failed to cancel download")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/models"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *models.Database, logger *logrus.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// HealthResponse reports liveness plus store reachability
type HealthResponse struct {
	Status   string `json:"status"`
	Tracked  int    `json:"tracked"`
	Imported int    `json:"imported"`
}

// ServeHTTP handles the health check endpoint. The store is read on every
// request; a store failure reports degraded.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	downloads, err := h.db.GetAllDownloads()
	if err != nil {
		h.logger.WithError(err).Error("Health check failed to read downloads")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(HealthResponse{Status: "degraded"})
		return
	}

	imported, err := h.db.GetAllImported()
	if err != nil {
		h.logger.WithError(err).Error("Health check failed to read imported media")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(HealthResponse{Status: "degraded"})
		return
	}

	response := HealthResponse{
		Status:   "healthy",
		Tracked:  len(downloads),
		Imported: len(imported),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

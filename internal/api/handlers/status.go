package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/fetcharr/internal/controllers"
	"github.com/amaumene/fetcharr/internal/models"
)

// StatusHandler handles status requests
type StatusHandler struct {
	db        *models.Database
	reconcile *controllers.ReconcileController
	logger    *logrus.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db *models.Database, reconcile *controllers.ReconcileController, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		db:        db,
		reconcile: reconcile,
		logger:    logger,
	}
}

// StatusResponse represents the status response
type StatusResponse struct {
	TotalTracked  int                     `json:"total_tracked"`
	TotalImported int                     `json:"total_imported"`
	Downloading   int                     `json:"downloading"`
	Seeding       int                     `json:"seeding"`
	Paused        int                     `json:"paused"`
	Missing       int                     `json:"missing"`
	ByBackend     map[string]int          `json:"by_backend"`
	Queue         []controllers.QueueItem `json:"queue"`
}

// ServeHTTP handles the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queue, err := h.reconcile.Queue(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to build queue view")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	imported, err := h.db.GetAllImported()
	if err != nil {
		h.logger.WithError(err).Error("Failed to get imported media")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := StatusResponse{
		TotalTracked:  len(queue),
		TotalImported: len(imported),
		ByBackend:     make(map[string]int),
		Queue:         queue,
	}

	for _, item := range queue {
		response.ByBackend[item.Download.Backend]++

		if item.Status == nil {
			response.Missing++
			continue
		}
		switch item.Status.State {
		case models.StateDownloading, models.StateChecking:
			response.Downloading++
		case models.StateSeeding:
			response.Seeding++
		case models.StatePaused:
			response.Paused++
		case models.StateMissing:
			response.Missing++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

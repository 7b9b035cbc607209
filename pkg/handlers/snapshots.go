package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/services"
)

// SnapshotHandler exposes import snapshots for audit.
type SnapshotHandler struct {
	snapshots services.SnapshotService
	logger    *zap.Logger
}

func NewSnapshotHandler(snapshots services.SnapshotService, logger *zap.Logger) *SnapshotHandler {
	return &SnapshotHandler{snapshots: snapshots, logger: logger}
}

// RegisterRoutes registers the snapshot handler's routes on the given mux.
func (h *SnapshotHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/snapshots", h.List)
	mux.HandleFunc("GET /api/snapshots/active", h.Active)
}

// List handles GET /api/snapshots?kind=, newest first.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := ParseSnapshotKind(w, r, h.logger)
	if !ok {
		return
	}

	snaps, err := h.snapshots.List(r.Context(), kind)
	if err != nil {
		h.logger.Error("Failed to list snapshots", zap.String("kind", string(kind)), zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to list snapshots"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if snaps == nil {
		snaps = []*models.Snapshot{}
	}

	if err := WriteJSON(w, http.StatusOK, snaps); err != nil {
		h.logger.Error("Failed to encode snapshots response", zap.Error(err))
	}
}

// Active handles GET /api/snapshots/active?kind=.
// Returns 404 when no snapshot of kind has been activated.
func (h *SnapshotHandler) Active(w http.ResponseWriter, r *http.Request) {
	kind, ok := ParseSnapshotKind(w, r, h.logger)
	if !ok {
		return
	}

	snap, err := h.snapshots.GetActive(r.Context(), kind)
	if err != nil {
		h.logger.Error("Failed to get active snapshot", zap.String("kind", string(kind)), zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to get active snapshot"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if snap == nil {
		if err := ErrorResponse(w, http.StatusNotFound, "not_found", "No active snapshot"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, snap); err != nil {
		h.logger.Error("Failed to encode snapshot response", zap.Error(err))
	}
}

package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/apperrors"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/services"
)

// DrugResponse is a drug with the drugs sharing one of its categories.
type DrugResponse struct {
	*models.Drug
	Related []*models.Drug `json:"related"`
}

// CatalogHandler exposes read access to catalog drugs.
type CatalogHandler struct {
	catalog services.CatalogService
	logger  *zap.Logger
}

func NewCatalogHandler(catalog services.CatalogService, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, logger: logger}
}

// RegisterRoutes registers the catalog handler's routes on the given mux.
func (h *CatalogHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/drugs/{did}", h.GetDrug)
}

// GetDrug handles GET /api/drugs/{did}.
func (h *CatalogHandler) GetDrug(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDrugID(w, r, h.logger)
	if !ok {
		return
	}

	drug, err := h.catalog.GetDrug(r.Context(), id)
	if errors.Is(err, apperrors.ErrNotFound) {
		if err := ErrorResponse(w, http.StatusNotFound, "not_found", "Drug not found"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if err != nil {
		h.internalError(w, "Failed to load drug", err)
		return
	}

	related, err := h.catalog.RelatedDrugs(r.Context(), id)
	if err != nil {
		h.internalError(w, "Failed to load related drugs", err)
		return
	}
	if related == nil {
		related = []*models.Drug{}
	}

	if err := WriteJSON(w, http.StatusOK, DrugResponse{Drug: drug, Related: related}); err != nil {
		h.logger.Error("Failed to encode drug response", zap.Error(err))
	}
}

func (h *CatalogHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	if err := ErrorResponse(w, http.StatusInternalServerError, "internal_error", msg); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

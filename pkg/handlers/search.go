package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/logging"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/services"
)

// SearchHandler serves catalog search.
type SearchHandler struct {
	search services.SearchService
	logger *zap.Logger
}

func NewSearchHandler(search services.SearchService, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{search: search, logger: logger}
}

// RegisterRoutes registers the search handler's routes on the given mux.
func (h *SearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/search", h.Search)
}

// Search handles GET /api/search?q=.
// Always answers 200 with a JSON array. Internal failures are logged and
// yield an empty array.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		if err := MethodNotAllowed(w, http.MethodGet); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	query := r.URL.Query().Get("q")
	hits, err := h.search.Search(r.Context(), query)
	if err != nil {
		h.logger.Error("Search failed",
			zap.String("query", logging.SanitizeSearchQuery(query)),
			zap.Error(err))
		hits = []models.SearchHit{}
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}

	if err := WriteJSON(w, http.StatusOK, hits); err != nil {
		h.logger.Error("Failed to encode search response", zap.Error(err))
	}
}

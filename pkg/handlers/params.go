package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

// ParseDrugID extracts and validates the drug ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: did
func ParseDrugID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "did", "invalid_drug_id", "Invalid drug ID format", logger)
}

// ParseSnapshotKind reads the required kind query parameter.
func ParseSnapshotKind(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (models.SnapshotKind, bool) {
	kind := models.SnapshotKind(r.URL.Query().Get("kind"))
	if !kind.Valid() {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_kind", "kind must be taxonomy or clinical"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return kind, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(pathParam))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

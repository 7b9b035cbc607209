package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/models"
)

func serveCatalog(svc *mockCatalogService, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	NewCatalogHandler(svc, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestCatalogHandler_GetDrug(t *testing.T) {
	adrenaline := &models.Drug{ID: uuid.New(), Name: "Adrenaline", Searchable: true, Categories: []string{"Adrenergic agents"}}
	norepinephrine := &models.Drug{ID: uuid.New(), Name: "Norepinephrine", Searchable: true}
	svc := &mockCatalogService{
		drugs:   map[uuid.UUID]*models.Drug{adrenaline.ID: adrenaline},
		related: map[uuid.UUID][]*models.Drug{adrenaline.ID: {norepinephrine}},
	}

	rec := serveCatalog(svc, "/api/drugs/"+adrenaline.ID.String())
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ID         uuid.UUID      `json:"id"`
		Name       string         `json:"name"`
		Categories []string       `json:"categories"`
		Related    []*models.Drug `json:"related"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, adrenaline.ID, body.ID)
	assert.Equal(t, "Adrenaline", body.Name)
	assert.Equal(t, []string{"Adrenergic agents"}, body.Categories)
	require.Len(t, body.Related, 1)
	assert.Equal(t, "Norepinephrine", body.Related[0].Name)
}

func TestCatalogHandler_GetDrugWithoutRelated(t *testing.T) {
	drug := &models.Drug{ID: uuid.New(), Name: "Ibuprofen"}
	svc := &mockCatalogService{drugs: map[uuid.UUID]*models.Drug{drug.ID: drug}}

	rec := serveCatalog(svc, "/api/drugs/"+drug.ID.String())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"related":[]`)
}

func TestCatalogHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		svc    *mockCatalogService
		target string
		want   int
	}{
		{"bad id", &mockCatalogService{}, "/api/drugs/nope", http.StatusBadRequest},
		{"missing", &mockCatalogService{}, "/api/drugs/" + uuid.NewString(), http.StatusNotFound},
		{"storage failure", &mockCatalogService{err: errors.New("connection reset")}, "/api/drugs/" + uuid.NewString(), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveCatalog(tt.svc, tt.target)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

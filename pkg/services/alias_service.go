package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
)

// AliasReport summarizes one alias feed import.
type AliasReport struct {
	Generics  int `json:"generics"`  // generic names in the feed
	Unmatched int `json:"unmatched"` // generic names with no Drug
	Created   int `json:"created"`   // aliases written
	Skipped   int `json:"skipped"`   // brands already present or equal to the drug name
}

// AliasService attaches brand names from an alias feed to existing Drugs.
type AliasService interface {
	// Import maps each generic name to Drugs by case-insensitive name and
	// adds every new brand as a DrugAlias. Generic names matching no Drug
	// are counted and skipped. Finishes with a rank vector sweep.
	Import(ctx context.Context, mappings map[string][]string, source string) (*AliasReport, error)
}

type aliasService struct {
	db      database.TxRunner
	catalog repositories.CatalogRepository
	index   SearchIndexService
	logger  *zap.Logger
}

func NewAliasService(
	db database.TxRunner,
	catalog repositories.CatalogRepository,
	index SearchIndexService,
	logger *zap.Logger,
) AliasService {
	return &aliasService{
		db:      db,
		catalog: catalog,
		index:   index,
		logger:  logger.Named("alias-service"),
	}
}

var _ AliasService = (*aliasService)(nil)

func (s *aliasService) Import(ctx context.Context, mappings map[string][]string, source string) (*AliasReport, error) {
	ctx = s.db.WithScope(ctx)
	report := &AliasReport{Generics: len(mappings)}

	generics := make([]string, 0, len(mappings))
	for g := range mappings {
		generics = append(generics, g)
	}
	sort.Strings(generics)

	for _, generic := range generics {
		name := strings.TrimSpace(generic)
		if name == "" {
			report.Unmatched++
			continue
		}
		drugs, err := s.catalog.FindDrugsByName(ctx, name)
		if err != nil {
			return report, fmt.Errorf("failed to look up drug %q: %w", name, err)
		}
		if len(drugs) == 0 {
			report.Unmatched++
			continue
		}

		for _, drug := range drugs {
			for _, brand := range mappings[generic] {
				brand = strings.TrimSpace(brand)
				if brand == "" || strings.EqualFold(brand, drug.Name) {
					report.Skipped++
					continue
				}
				created, err := s.addAlias(ctx, drug, brand, source)
				if err != nil {
					return report, err
				}
				if created {
					report.Created++
				} else {
					report.Skipped++
				}
			}
		}
	}

	w, err := s.index.SweepUnprocessed(ctx)
	if err != nil {
		return report, err
	}
	if err := w.Wait(ctx); err != nil {
		return report, fmt.Errorf("rank vector sweep failed: %w", err)
	}

	s.logger.Info("Alias feed imported",
		zap.String("source", source),
		zap.Int("generics", report.Generics),
		zap.Int("unmatched", report.Unmatched),
		zap.Int("created", report.Created),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (s *aliasService) addAlias(ctx context.Context, drug *models.Drug, brand, source string) (bool, error) {
	alias := &models.DrugAlias{
		ID:         uuid.New(),
		DrugID:     drug.ID,
		Name:       brand,
		Source:     source,
		Searchable: drug.Searchable,
		DrugName:   drug.Name,
	}

	var created bool
	err := s.db.InTx(ctx, func(ctx context.Context) error {
		var err error
		if created, err = s.catalog.CreateAlias(ctx, alias); err != nil || !created {
			return err
		}
		return s.index.UpsertFor(ctx, alias)
	})
	if err != nil {
		return false, fmt.Errorf("failed to add alias %q to drug %s: %w", brand, drug.ID, err)
	}
	return created, nil
}

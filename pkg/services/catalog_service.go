package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
)

// CatalogService maintains catalog entities outside reconciliation.
// Every delete removes the entity's search index rows in the same
// transaction, so no index row outlives its entity.
type CatalogService interface {
	GetDrug(ctx context.Context, id uuid.UUID) (*models.Drug, error)

	// DeleteDrug deletes a drug together with its aliases.
	DeleteDrug(ctx context.Context, id uuid.UUID) error
	DeleteCondition(ctx context.Context, id uuid.UUID) error
	DeleteAlias(ctx context.Context, id uuid.UUID) error

	// RelatedDrugs returns drugs sharing a level-4 category with the drug.
	RelatedDrugs(ctx context.Context, id uuid.UUID) ([]*models.Drug, error)
}

type catalogService struct {
	db      database.TxRunner
	catalog repositories.CatalogRepository
	index   SearchIndexService
	logger  *zap.Logger
}

func NewCatalogService(
	db database.TxRunner,
	catalog repositories.CatalogRepository,
	index SearchIndexService,
	logger *zap.Logger,
) CatalogService {
	return &catalogService{
		db:      db,
		catalog: catalog,
		index:   index,
		logger:  logger.Named("catalog-service"),
	}
}

var _ CatalogService = (*catalogService)(nil)

func (s *catalogService) GetDrug(ctx context.Context, id uuid.UUID) (*models.Drug, error) {
	return s.catalog.GetDrug(s.db.WithScope(ctx), id)
}

func (s *catalogService) DeleteDrug(ctx context.Context, id uuid.UUID) error {
	err := s.db.InTx(s.db.WithScope(ctx), func(ctx context.Context) error {
		aliases, err := s.catalog.ListAliases(ctx, id)
		if err != nil {
			return err
		}
		for _, a := range aliases {
			if err := s.index.Delete(ctx, models.EntityKindDrugAlias, a.ID); err != nil {
				return err
			}
		}
		if err := s.catalog.DeleteDrug(ctx, id); err != nil {
			return err
		}
		return s.index.Delete(ctx, models.EntityKindDrug, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete drug %s: %w", id, err)
	}

	s.logger.Info("Drug deleted", zap.String("drug_id", id.String()))
	return nil
}

func (s *catalogService) DeleteCondition(ctx context.Context, id uuid.UUID) error {
	err := s.db.InTx(s.db.WithScope(ctx), func(ctx context.Context) error {
		if err := s.catalog.DeleteCondition(ctx, id); err != nil {
			return err
		}
		return s.index.Delete(ctx, models.EntityKindCondition, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete condition %s: %w", id, err)
	}

	s.logger.Info("Condition deleted", zap.String("condition_id", id.String()))
	return nil
}

func (s *catalogService) DeleteAlias(ctx context.Context, id uuid.UUID) error {
	err := s.db.InTx(s.db.WithScope(ctx), func(ctx context.Context) error {
		if err := s.catalog.DeleteAlias(ctx, id); err != nil {
			return err
		}
		return s.index.Delete(ctx, models.EntityKindDrugAlias, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete alias %s: %w", id, err)
	}
	return nil
}

func (s *catalogService) RelatedDrugs(ctx context.Context, id uuid.UUID) ([]*models.Drug, error) {
	return s.catalog.RelatedDrugs(s.db.WithScope(ctx), id)
}

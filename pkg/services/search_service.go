package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/neverdrugs/catalog-engine/pkg/cache"
	"github.com/neverdrugs/catalog-engine/pkg/config"
	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/logging"
	"github.com/neverdrugs/catalog-engine/pkg/models"
	"github.com/neverdrugs/catalog-engine/pkg/observability"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
	"github.com/neverdrugs/catalog-engine/pkg/sql"
)

// SearchService answers catalog searches from a query-result cache,
// falling back to a blended lexical and trigram ranking on a miss.
type SearchService interface {
	// Search returns ranked hits for raw. An empty query returns no hits
	// without touching the cache or the query log.
	Search(ctx context.Context, raw string) ([]models.SearchHit, error)

	// Exists reports whether raw has any results, without hydrating rows.
	// A miss populates the cache exactly as Search does.
	Exists(ctx context.Context, raw string) (bool, error)

	// Prewarm runs Exists over the topN most frequent logged queries.
	// Returns how many queries had results.
	Prewarm(ctx context.Context, topN int) (int, error)

	// RunPrewarmScheduler starts a background loop calling Prewarm on the
	// given interval. Cancel the context to stop the scheduler.
	RunPrewarmScheduler(ctx context.Context, interval time.Duration, topN int)
}

type searchService struct {
	db       database.TxRunner
	index    repositories.SearchIndexRepository
	queryLog repositories.QueryLogRepository
	cache    cache.Cache
	cfg      config.SearchConfig
	logger   *zap.Logger
}

// NewSearchService creates a SearchService. resultCache keys are the
// normalized queries themselves, so it should be namespaced by the caller.
func NewSearchService(
	db database.TxRunner,
	index repositories.SearchIndexRepository,
	queryLog repositories.QueryLogRepository,
	resultCache cache.Cache,
	cfg config.SearchConfig,
	logger *zap.Logger,
) SearchService {
	return &searchService{
		db:       db,
		index:    index,
		queryLog: queryLog,
		cache:    resultCache,
		cfg:      cfg,
		logger:   logger.Named("search-service"),
	}
}

var _ SearchService = (*searchService)(nil)

func (s *searchService) Search(ctx context.Context, raw string) ([]models.SearchHit, error) {
	ids, err := s.rankedIDs(ctx, raw)
	if err != nil || len(ids) == 0 {
		return []models.SearchHit{}, err
	}

	entries, err := s.index.GetByIDsOrdered(s.db.WithScope(ctx), ids)
	if err != nil {
		return []models.SearchHit{}, fmt.Errorf("failed to load search results: %w", err)
	}

	hits := make([]models.SearchHit, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, e.Hit())
	}
	return hits, nil
}

func (s *searchService) Exists(ctx context.Context, raw string) (bool, error) {
	ids, err := s.rankedIDs(ctx, raw)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// rankedIDs returns the ordered index row ids for raw, from cache when
// possible. Cache failures degrade to ranking in the database.
func (s *searchService) rankedIDs(ctx context.Context, raw string) ([]int64, error) {
	start := time.Now()
	defer func() { observability.SearchDuration.Observe(time.Since(start).Seconds()) }()

	key := models.NormalizeQuery(raw)
	if key == "" {
		return nil, nil
	}

	var ids []int64
	err := cache.GetJSON(ctx, s.cache, key, &ids)
	switch {
	case err == nil:
		// Hits keep their original TTL and are not logged.
		observability.SearchRequestsTotal.WithLabelValues("hit").Inc()
		return ids, nil
	case !errors.Is(err, cache.ErrMiss):
		observability.CacheErrorsTotal.WithLabelValues("search_get").Inc()
		s.logger.Warn("Search cache read failed, ranking in database",
			zap.String("query", logging.SanitizeSearchQuery(key)),
			zap.Error(err))
	}

	dbCtx := s.db.WithScope(ctx)
	ids, err = s.index.Rank(dbCtx, key, s.cfg.LexicalThreshold, s.cfg.SimilarityThreshold, s.cfg.ResultLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to rank search results: %w", err)
	}
	if len(ids) == 0 {
		// Zero-result queries are neither cached nor logged.
		observability.SearchRequestsTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}
	observability.SearchRequestsTotal.WithLabelValues("miss").Inc()

	if err := cache.SetJSON(ctx, s.cache, key, ids, cache.JitteredTTL(s.cfg.BaseCacheTTL)); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("search_set").Inc()
		s.logger.Warn("Failed to cache search results",
			zap.String("query", logging.SanitizeSearchQuery(key)),
			zap.Error(err))
	}

	s.logQuery(dbCtx, key)
	return ids, nil
}

// logQuery counts the query unless it looks like an injection attempt.
// A query log failure never fails the search.
func (s *searchService) logQuery(ctx context.Context, key string) {
	if screening := sql.CheckQuery(key); screening.Suspicious {
		observability.SuspiciousQueriesTotal.Inc()
		s.logger.Warn("Suspicious search query not logged",
			zap.String("query", logging.SanitizeSearchQuery(key)),
			zap.String("fingerprint", screening.Fingerprint))
		return
	}
	if err := s.queryLog.Increment(ctx, key); err != nil {
		s.logger.Error("Failed to log search query",
			zap.String("query", logging.SanitizeSearchQuery(key)),
			zap.Error(err))
	}
}

func (s *searchService) Prewarm(ctx context.Context, topN int) (int, error) {
	top, err := s.queryLog.Top(s.db.WithScope(ctx), topN)
	if err != nil {
		return 0, fmt.Errorf("failed to list frequent queries: %w", err)
	}

	var warmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.PrewarmConcurrency, 1))

	for _, entry := range top {
		query := entry.NormalizedQuery
		g.Go(func() error {
			ok, err := s.Exists(gctx, query)
			if err != nil {
				return fmt.Errorf("prewarm %q: %w", logging.SanitizeSearchQuery(query), err)
			}
			if ok {
				warmed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(warmed.Load()), err
	}

	s.logger.Info("Search cache prewarmed",
		zap.Int("queries", len(top)),
		zap.Int64("with_results", warmed.Load()))
	return int(warmed.Load()), nil
}

// RunPrewarmScheduler starts a background loop that re-caches the most
// common queries. It runs immediately on startup, then repeats every interval.
func (s *searchService) RunPrewarmScheduler(ctx context.Context, interval time.Duration, topN int) {
	go func() {
		s.logger.Info("Search prewarm scheduler started",
			zap.Duration("interval", interval),
			zap.Int("top", topN))

		s.prewarmLogged(ctx, topN)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Search prewarm scheduler stopped")
				return
			case <-ticker.C:
				s.prewarmLogged(ctx, topN)
			}
		}
	}()
}

func (s *searchService) prewarmLogged(ctx context.Context, topN int) {
	if _, err := s.Prewarm(ctx, topN); err != nil && ctx.Err() == nil {
		s.logger.Error("Search prewarm failed", zap.Error(err))
	}
}

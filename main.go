package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/neverdrugs/catalog-engine/pkg/cache"
	"github.com/neverdrugs/catalog-engine/pkg/config"
	"github.com/neverdrugs/catalog-engine/pkg/database"
	"github.com/neverdrugs/catalog-engine/pkg/handlers"
	"github.com/neverdrugs/catalog-engine/pkg/logging"
	"github.com/neverdrugs/catalog-engine/pkg/middleware"
	"github.com/neverdrugs/catalog-engine/pkg/repositories"
	"github.com/neverdrugs/catalog-engine/pkg/retry"
	"github.com/neverdrugs/catalog-engine/pkg/services"
	"github.com/neverdrugs/catalog-engine/pkg/taxonomy"
)

// Version is set at build time via ldflags
var Version = "dev"

const usage = `Usage: catalog-engine [command] [flags]

Commands:
  serve                                   run the HTTP API and background schedulers (default)
  import-taxonomy <file.jsonl>            import a taxonomy feed [-root-name NAME] [-activate]
  import-clinical <file.json>             import a clinical feed [-activate]
  import-aliases <file.json>              attach brand names to drugs [-source NAME]
  activate <snapshot-id>                  activate a snapshot and wait for reconciliation
  sweep                                   recompute stale search rank vectors
  migrate                                 apply database migrations
`

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	if cmd == "help" {
		fmt.Print(usage)
		return
	}

	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, args, cfg, logger); err != nil {
		logger.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func newLogger(env string) (*zap.Logger, error) {
	switch env {
	case "local", "dev":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}

func run(ctx context.Context, cmd string, args []string, cfg *config.Config, logger *zap.Logger) error {
	if cmd == "migrate" {
		return database.RunMigrations(cfg.Database.URL(), cfg.MigrationsPath, logger)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "serve":
		return a.serve(ctx)
	case "import-taxonomy":
		return a.importTaxonomy(ctx, args)
	case "import-clinical":
		return a.importClinical(ctx, args)
	case "import-aliases":
		return a.importAliases(ctx, args)
	case "activate":
		return a.activate(ctx, args)
	case "sweep":
		return a.sweep(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// app holds the wired services shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	redis  *redis.Client

	snapshots services.SnapshotService
	imports   services.ImportService
	index     services.SearchIndexService
	search    services.SearchService
	aliases   services.AliasService
	catalog   services.CatalogService
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())),
		zap.String("redis_host", cfg.Redis.Host))

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := database.NewRedisClient(&cfg.Redis)

	var snapshotCache, searchCache cache.Cache
	if redisClient != nil {
		// An unreachable Redis is not fatal: cache calls fail, every read goes
		// to the database, and the client reconnects once Redis is back. The
		// Redis caches stay in place so other processes' invalidations still apply.
		if err := database.PingRedis(ctx, redisClient); err != nil {
			logger.Warn("Redis unreachable, serving from the database until it recovers", zap.Error(err))
		}
		snapshotCache = cache.NewRedisCache(redisClient, "snapshot:")
		searchCache = cache.NewRedisCache(redisClient, "search:q:")
		logger.Info("Using Redis caches", zap.String("addr", redisClient.Options().Addr))
	} else {
		snapshotCache = cache.NewMemoryCache()
		searchCache = cache.NewMemoryCache()
		logger.Info("Redis not configured, using in-process caches")
	}

	snapshotRepo := repositories.NewSnapshotRepository()
	hierarchyRepo := repositories.NewHierarchyRepository()
	clinicalRepo := repositories.NewClinicalRepository()
	catalogRepo := repositories.NewCatalogRepository()
	indexRepo := repositories.NewSearchIndexRepository()
	queryLogRepo := repositories.NewQueryLogRepository()

	queues := services.NewQueueFactory(cfg.Import, logger)
	index := services.NewSearchIndexService(db, indexRepo, queues, cfg.Import.VectorBatchSize, logger)
	reconciler := services.NewReconciliationService(db, hierarchyRepo, clinicalRepo, catalogRepo, index, queues,
		cfg.Import.ReconcileBatchSize, logger)
	snapshots := services.NewSnapshotService(db, snapshotRepo, snapshotCache, cfg.Search.SnapshotCacheTTL, reconciler,
		retry.ForAttempts(cfg.Import.MaxAttempts, cfg.Import.InitialBackoff, cfg.Import.MaxBackoff), logger)
	processor := services.NewChunkProcessor(db, hierarchyRepo, clinicalRepo, snapshots, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		redis:     redisClient,
		snapshots: snapshots,
		imports:   services.NewImportService(snapshots, processor, queues, cfg.Import, logger),
		index:     index,
		search:    services.NewSearchService(db, indexRepo, queryLogRepo, searchCache, cfg.Search, logger),
		aliases:   services.NewAliasService(db, catalogRepo, index, logger),
		catalog:   services.NewCatalogService(db, catalogRepo, index, logger),
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	a.db.Close()
}

func (a *app) serve(ctx context.Context) error {
	if err := database.RunMigrations(a.cfg.Database.URL(), a.cfg.MigrationsPath, a.logger); err != nil {
		return err
	}

	// Reconciliation interrupted by a previous shutdown is picked up again.
	if w, err := a.snapshots.ResumePending(ctx); err != nil {
		a.logger.Error("Failed to resume pending reconciliation", zap.Error(err))
	} else {
		go func() {
			if err := w.Wait(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("Resumed reconciliation failed", zap.Error(err))
			}
		}()
	}

	a.index.RunScheduler(ctx, a.cfg.Search.SweepInterval)
	a.search.RunPrewarmScheduler(ctx, a.cfg.Search.PrewarmInterval, a.cfg.Search.PrewarmTop)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.cfg, a.db, a.logger).RegisterRoutes(mux)
	handlers.NewSearchHandler(a.search, a.logger).RegisterRoutes(mux)
	handlers.NewCatalogHandler(a.catalog, a.logger).RegisterRoutes(mux)
	handlers.NewSnapshotHandler(a.snapshots, a.logger).RegisterRoutes(mux)
	if a.cfg.Metrics.Enabled {
		handlers.RegisterMetrics(mux)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.BindAddr, a.cfg.Port),
		Handler:           middleware.RequestLogger(a.logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting catalog-engine",
			zap.String("addr", srv.Addr),
			zap.String("version", a.cfg.Version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (a *app) importTaxonomy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-taxonomy", flag.ContinueOnError)
	rootName := fs.String("root-name", "", "name for level-1 nodes the feed leaves unnamed")
	activate := fs.Bool("activate", false, "activate the snapshot when every chunk succeeded")
	path, err := parseWithArg(fs, args, "file.jsonl")
	if err != nil {
		return err
	}

	stream, err := taxonomy.OpenJSONLines(path)
	if err != nil {
		return err
	}
	defer stream.Close()

	report, err := a.imports.ImportTaxonomy(ctx, stream, *rootName, services.ImportOptions{Activate: *activate})
	return a.finishImport(report, err)
}

func (a *app) importClinical(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-clinical", flag.ContinueOnError)
	activate := fs.Bool("activate", false, "activate the snapshot when every batch succeeded")
	path, err := parseWithArg(fs, args, "file.json")
	if err != nil {
		return err
	}

	records, err := taxonomy.LoadClinicalDocument(path)
	if err != nil {
		return err
	}

	report, err := a.imports.ImportClinical(ctx, records, services.ImportOptions{Activate: *activate})
	return a.finishImport(report, err)
}

func (a *app) importAliases(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-aliases", flag.ContinueOnError)
	source := fs.String("source", "brand", "source label stored on each alias")
	path, err := parseWithArg(fs, args, "file.json")
	if err != nil {
		return err
	}

	mappings, err := taxonomy.LoadAliasDocument(path)
	if err != nil {
		return err
	}

	report, err := a.aliases.Import(ctx, mappings, *source)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func (a *app) activate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	raw, err := parseWithArg(fs, args, "snapshot-id")
	if err != nil {
		return err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid snapshot id %q: %w", raw, err)
	}

	w, err := a.snapshots.Activate(ctx, id)
	if err != nil {
		return err
	}
	if err := w.Wait(ctx); err != nil {
		return fmt.Errorf("reconciliation failed, snapshot stays pending: %w", err)
	}

	snap, err := a.snapshots.Get(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func (a *app) sweep(ctx context.Context) error {
	w, err := a.index.SweepUnprocessed(ctx)
	if err != nil {
		return err
	}
	return w.Wait(ctx)
}

// finishImport prints the report, which is meaningful even when the import failed partway.
func (a *app) finishImport(report *services.ImportReport, err error) error {
	if report != nil {
		if perr := printJSON(report); perr != nil {
			a.logger.Warn("Failed to print import report", zap.Error(perr))
		}
	}
	return err
}

func parseWithArg(fs *flag.FlagSet, args []string, name string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: expected exactly one <%s> argument", fs.Name(), name)
	}
	return fs.Arg(0), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

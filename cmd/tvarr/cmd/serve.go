package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/tvarr/internal/config"
	"github.com/jmylchreest/tvarr/internal/database"
	"github.com/jmylchreest/tvarr/internal/ingestor"
	"github.com/jmylchreest/tvarr/internal/models"
	"github.com/jmylchreest/tvarr/internal/pipeline"
	"github.com/jmylchreest/tvarr/internal/pipeline/core"
	"github.com/jmylchreest/tvarr/internal/repository"
	"github.com/jmylchreest/tvarr/internal/scheduler"
	"github.com/jmylchreest/tvarr/internal/service"
	"github.com/jmylchreest/tvarr/internal/service/progress"
	"github.com/jmylchreest/tvarr/internal/startup"
	"github.com/jmylchreest/tvarr/internal/storage"
	"github.com/jmylchreest/tvarr/internal/version"
	"github.com/jmylchreest/tvarr/pkg/duration"
	"github.com/jmylchreest/tvarr/pkg/httpclient"
)

// serveCmd runs tvarr headlessly: it opens the database, bootstraps the
// schema, and runs the ingestion/proxy-generation scheduler and its job
// runner until signalled to stop. It does not expose an HTTP API; that
// surface is out of scope for this build (see DESIGN.md).
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tvarr scheduler and job runner",
	Long: `Run tvarr's background services:

- cron-driven resync of stream/EPG source ingestion and proxy regeneration
- the job runner that executes scheduled ingestion, generation, and logo
  maintenance jobs
- periodic logo cache pruning and temp directory cleanup`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("database", "tvarr.db", "Database file path")
	serveCmd.Flags().String("data-dir", "data", "Data directory for output files")
	serveCmd.Flags().Bool("ingestion-guard", true, "Enable ingestion guard (waits for active ingestions before generating a proxy)")

	viper.BindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	viper.BindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	viper.BindPFlag("pipeline.ingestion_guard", serveCmd.Flags().Lookup("ingestion-guard"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if dsn := viper.GetString("database.dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if dir := viper.GetString("storage.base_dir"); dir != "" {
		cfg.Storage.BaseDir = dir
	}

	orphansRemoved, err := startup.CleanupSystemTempDirs(logger)
	if err != nil {
		logger.Warn("failed to clean orphaned temp directories", slog.String("error", err.Error()))
	} else if orphansRemoved > 0 {
		logger.Info("cleaned orphaned temp directories on startup", slog.Int("removed_count", orphansRemoved))
	}

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(
		&models.StreamSource{},
		&models.Channel{},
		&models.EpgSource{},
		&models.EpgProgram{},
		&models.Filter{},
		&models.DataMappingRule{},
		&models.StreamProxy{},
		&models.Job{},
		&models.JobHistory{},
	); err != nil {
		return fmt.Errorf("auto-migrating schema: %w", err)
	}

	// Repositories.
	streamSourceRepo := repository.NewStreamSourceRepository(db.DB)
	channelRepo := repository.NewChannelRepository(db.DB)
	epgSourceRepo := repository.NewEpgSourceRepository(db.DB)
	epgProgramRepo := repository.NewEpgProgramRepository(db.DB)
	proxyRepo := repository.NewStreamProxyRepository(db.DB)
	filterRepo := repository.NewFilterRepository(db.DB)
	dataMappingRuleRepo := repository.NewDataMappingRuleRepository(db.DB)
	jobRepo := repository.NewJobRepository(db.DB)

	sandbox, err := storage.NewSandbox(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	logoCache, err := storage.NewLogoCache(cfg.Storage.BaseDir)
	if err != nil {
		return fmt.Errorf("initializing logo cache: %w", err)
	}

	// Logo fetching tolerates 404s (a missing remote logo isn't a circuit
	// breaker-worthy failure).
	logoHTTPConfig := httpclient.DefaultConfig()
	logoHTTPConfig.AcceptableStatusCodes = httpclient.StatusCodesFromSlice([]int{http.StatusOK, http.StatusNotFound})
	logoHTTPConfig.Logger = logger
	logoHTTPClient := httpclient.New(logoHTTPConfig)
	httpclient.DefaultRegistry.Register("logo-fetcher", logoHTTPClient)

	logoService := service.NewLogoService(logoCache).
		WithHTTPClient(logoHTTPClient.StandardClient()).
		WithLogger(logger)

	if cfg.Storage.LogoRetention > 0 {
		result, err := logoService.LoadIndexWithOptions(context.Background(), service.LogoIndexerOptions{
			PruneStaleLogos:    true,
			StalenessThreshold: cfg.Storage.LogoRetention,
		})
		if err != nil {
			return fmt.Errorf("loading logo index: %w", err)
		}
		if result.PrunedCount > 0 {
			logger.Info("pruned stale logos on startup",
				slog.Int("pruned_count", result.PrunedCount),
				slog.Int64("pruned_bytes", result.PrunedSize),
				slog.String("retention", duration.Format(cfg.Storage.LogoRetention)))
		}
	} else if err := logoService.LoadIndex(context.Background()); err != nil {
		return fmt.Errorf("loading logo index: %w", err)
	}

	// Ingestion components.
	stateManager := ingestor.NewStateManager()
	streamHandlerFactory := ingestor.NewHandlerFactory()
	epgHandlerFactory := ingestor.NewEpgHandlerFactory()
	bulkWriter := ingestor.NewBulkWriter(db.DB).WithLogger(logger)

	var pipelineStateChecker core.StateChecker
	if viper.GetBool("pipeline.ingestion_guard") {
		pipelineStateChecker = stateManager
		logger.Info("ingestion guard enabled for proxy generation")
	}

	pipelineFactory := pipeline.NewDefaultFactory(
		channelRepo,
		epgProgramRepo,
		filterRepo,
		dataMappingRuleRepo,
		sandbox,
		logger,
		logoService,
		pipelineStateChecker,
		proxyRepo,
		fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
	)

	progressService := progress.NewService(logger)
	progressService.Start()
	defer progressService.Stop()

	// Scheduler: owns cron-driven resync and creates Job rows; the Runner
	// below claims and executes them.
	sched := scheduler.NewScheduler(jobRepo, streamSourceRepo, epgSourceRepo, proxyRepo).
		WithLogger(logger)

	sourceService := service.NewSourceService(
		streamSourceRepo,
		channelRepo,
		streamHandlerFactory,
		stateManager,
	).
		WithLogger(logger).
		WithProgressService(progressService).
		WithEPGSourceRepo(epgSourceRepo).
		WithEPGChecker(service.NewDefaultEPGChecker()).
		WithBulkWriter(bulkWriter).
		WithSchedulerNotifier(sched)

	epgService := service.NewEpgService(
		epgSourceRepo,
		epgProgramRepo,
		epgHandlerFactory,
		stateManager,
	).
		WithLogger(logger).
		WithProgressService(progressService).
		WithBulkWriter(bulkWriter).
		WithSchedulerNotifier(sched)

	proxyService := service.NewProxyService(
		proxyRepo,
		pipelineFactory,
	).WithLogger(logger).WithProgressService(progressService)

	autoRegen := scheduler.NewAutoRegenService(proxyRepo, sched)

	executor := scheduler.NewExecutor(jobRepo).WithLogger(logger)
	executor.RegisterHandler(models.JobTypeStreamIngestion,
		scheduler.NewStreamIngestionHandler(sourceService).
			WithAutoRegeneration(autoRegen).
			WithLogger(logger))
	executor.RegisterHandler(models.JobTypeEpgIngestion,
		scheduler.NewEpgIngestionHandler(epgService).
			WithAutoRegeneration(autoRegen).
			WithLogger(logger))
	executor.RegisterHandler(models.JobTypeProxyGeneration,
		scheduler.NewProxyGenerationHandler(func(ctx context.Context, proxyID models.ULID) (*scheduler.ProxyGenerateResult, error) {
			result, err := proxyService.Generate(ctx, proxyID)
			if err != nil {
				return nil, err
			}
			return &scheduler.ProxyGenerateResult{
				ChannelCount: result.ChannelCount,
				ProgramCount: result.ProgramCount,
			}, nil
		}))
	executor.RegisterHandler(models.JobTypeLogoCleanup,
		scheduler.NewLogoMaintenanceHandler(logoService).WithLogger(logger))

	runner := scheduler.NewRunner(jobRepo, executor).WithLogger(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := runner.Start(ctx); err != nil {
		sched.Stop()
		return fmt.Errorf("starting job runner: %w", err)
	}

	logger.Info("tvarr scheduler running", slog.String("version", version.Version))

	<-ctx.Done()

	runner.Stop()
	sched.Stop()

	return nil
}

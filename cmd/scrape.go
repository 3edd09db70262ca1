package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/app"
	"github.com/JakeFAU/jobboard-scraper/internal/browser"
	"github.com/JakeFAU/jobboard-scraper/internal/config"
	"github.com/JakeFAU/jobboard-scraper/internal/dispatcher"
	"github.com/JakeFAU/jobboard-scraper/internal/enrich"
	"github.com/JakeFAU/jobboard-scraper/internal/extract"
	"github.com/JakeFAU/jobboard-scraper/internal/logging"
	"github.com/JakeFAU/jobboard-scraper/internal/pipeline"
	"github.com/JakeFAU/jobboard-scraper/internal/quota"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/store"
	"github.com/JakeFAU/jobboard-scraper/internal/worker"
)

const (
	closeTimeout     = 30 * time.Second
	sessionAttempts  = 3
	sessionBaseDelay = time.Second
	sessionMaxDelay  = 30 * time.Second
)

func newScrapeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrapes listings into the output spreadsheet",
		Long: `Collects listing links page by page and scrapes them with a pool of
browser sessions. Progress is checkpointed to the output file; rerunning with
the same --output skips listings that are already done.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd, opts)
		},
	}
	cmd.AddCommand(newCompaniesCmd(opts))

	f := cmd.Flags()
	f.Int("workers", dispatcher.DefaultWorkers, fmt.Sprintf("parallel browser sessions (1-%d)", config.MaxWorkers))
	f.Int("start-job", 1, "first listing to scrape, 1-indexed in discovery order")
	f.Int("end-job", 0, "last listing to scrape (0 = no limit)")
	f.Int("start-page", 1, "first results page to read")
	f.Int("end-page", 0, "last results page to read (0 = no limit)")
	f.Bool("sort-by-date", false, "order search results by listing date")
	f.String("output", config.DefaultOutput, "xlsx file to merge results into")
	f.Bool("headless", true, "run Chrome without a window")
	f.Bool("no-enrich", false, "skip the employer phone lookup")
	return cmd
}

func runScrape(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := config.LoadWithFlags(opts.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	return runPipeline(cmd, opts, cfg, runPlan{
		pipeline: pipelineConfig(cfg),
		provider: cfg.ProviderConfig(),
	})
}

// runPlan is what differs between scrape modes: where links come from, where
// rows go, and how many sessions the browser may hold.
type runPlan struct {
	pipeline pipeline.Config
	provider browser.Config
	// source builds the link source once logging is up. Nil walks the paged
	// search.
	source  func(logger *zap.Logger) pipeline.LinkSource
	matcher worker.CompanyMatcher
}

func runPipeline(cmd *cobra.Command, opts *rootOptions, cfg config.Config, plan runPlan) error {
	if noEnrich, _ := cmd.Flags().GetBool("no-enrich"); noEnrich {
		cfg.Enrich.Enabled = false
		plan.pipeline.Enrich = false
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	ctx := cmd.Context()
	services, err := app.New(ctx, cfg, logger, opts.factories)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := services.Close(cctx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	provider, err := browser.NewProvider(plan.provider, logger.Named("browser"))
	if err != nil {
		return fmt.Errorf("create browser provider: %w", err)
	}
	defer provider.Close()

	deps, err := buildDeps(cfg, services, provider, logger)
	if err != nil {
		return err
	}
	if plan.source != nil {
		deps.Source = plan.source(logger)
	}
	deps.Matcher = plan.matcher
	runner, err := pipeline.New(plan.pipeline, deps, logger)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	summary, err := runner.Run(ctx)
	if summary.Status == store.RunInterrupted && err == nil {
		logger.Info("scrape interrupted; rerun with the same output to resume",
			zap.String("output", summary.Output))
	}
	if err != nil {
		return fmt.Errorf("scrape %s: %w", summary.RunID, err)
	}
	return nil
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	return pipeline.Config{
		Output:             cfg.Scrape.Output,
		Range:              cfg.Scrape.Range(),
		Collector:          cfg.Scrape.CollectorConfig(),
		Workers:            cfg.Scrape.Workers,
		QueueDepth:         cfg.Scrape.QueueDepth,
		CheckpointInterval: cfg.Scrape.CheckpointInterval,
		ProgressLogEvery:   cfg.Scrape.ProgressLogEvery,
		QuotaPollInterval:  cfg.Quota.PollInterval,
		Enrich:             cfg.Enrich.Enabled,
	}
}

func buildDeps(cfg config.Config, services *app.App, provider scraper.SessionProvider, logger *zap.Logger) (pipeline.Deps, error) {
	deps := pipeline.Deps{
		Provider:  provider,
		Extractor: extract.New(extract.BuildRules(cfg.Extract.RulesConfig()), logger.Named("extract")),
		Quota: quota.New(quota.Config{
			Threshold:        cfg.Quota.Threshold,
			Pause:            cfg.Quota.Pause,
			ProgressInterval: cfg.Quota.ProgressInterval,
		}, logger.Named("quota")),
		Events:    services.Hub,
		Retry:     worker.NewExponentialRetryPolicy(sessionAttempts, sessionBaseDelay, sessionMaxDelay),
		Archiver:  services.Archiver,
		Listings:  services.Listings,
		Publisher: services.Publisher,
	}
	if !cfg.Enrich.Enabled {
		return deps, nil
	}
	cache, err := enrich.OpenCache(cfg.Enrich.CachePath, logger.Named("enrich"))
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("open phone cache: %w", err)
	}
	deps.Cache = cache.WithFlightTimeout(cfg.LookupFlightTimeout())
	deps.Enricher = enrich.NewPhoneLookup(cfg.LookupConfig(), logger.Named("enrich"))
	return deps, nil
}

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/collector"
	"github.com/JakeFAU/jobboard-scraper/internal/config"
	"github.com/JakeFAU/jobboard-scraper/internal/dispatcher"
	"github.com/JakeFAU/jobboard-scraper/internal/extract"
	"github.com/JakeFAU/jobboard-scraper/internal/pipeline"
)

var errNoCompanies = errors.New("no companies to search; pass names, --companies-file or set companies.names")

func newCompaniesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "companies [name...]",
		Short: "Scrapes listings advertised by the named companies",
		Long: `Searches the job board once per company, keeps the first results page
for each, and scrapes those listings. A listing is kept only when its
advertiser matches the company that was searched for. Names come from the
arguments, --companies-file (one per line, # for comments) and the
companies.names config key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompanies(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.Int("workers", dispatcher.DefaultWorkers, fmt.Sprintf("parallel browser sessions for listings (1-%d)", config.MaxWorkers))
	f.String("companies-file", "", "file with one company name per line")
	f.Int("max-per-company", collector.DefaultMaxJobsPerCompany, "listings kept per company (0 = no limit)")
	f.Int("search-workers", collector.DefaultSearchWorkers, "companies searched at once")
	f.String("location", collector.DefaultCompanyLocation, "location filter for the search")
	f.String("output", config.DefaultCompaniesOutput, "xlsx file to merge results into")
	f.Bool("headless", true, "run Chrome without a window")
	f.Bool("no-enrich", false, "skip the employer phone lookup")
	return cmd
}

func runCompanies(cmd *cobra.Command, opts *rootOptions, args []string) error {
	cfg, err := config.LoadWithFlagKeys(opts.configPath, cmd.Flags(), config.CompanyFlagKeys)
	if err != nil {
		return err
	}
	names, err := cfg.CompanyNames(args)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errNoCompanies
	}

	pc := pipelineConfig(cfg)
	pc.Output = cfg.Companies.Output
	pc.Range = collector.Range{Start: 1}
	pc.Collector = collector.Config{}
	search := cfg.CompanySearchConfig(names)
	return runPipeline(cmd, opts, cfg, runPlan{
		pipeline: pc,
		provider: cfg.CompanyProviderConfig(),
		source: func(logger *zap.Logger) pipeline.LinkSource {
			return collector.NewCompanySearch(search, logger.Named("companies"))
		},
		matcher: extract.NewCompanyNameMatcher(cfg.Companies.MatchThreshold, nil),
	})
}

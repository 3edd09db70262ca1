// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/jobboard-scraper/internal/browser"
	"github.com/JakeFAU/jobboard-scraper/internal/collector"
	"github.com/JakeFAU/jobboard-scraper/internal/dispatcher"
	"github.com/JakeFAU/jobboard-scraper/internal/enrich"
	"github.com/JakeFAU/jobboard-scraper/internal/extract"
	"github.com/JakeFAU/jobboard-scraper/internal/policy/ratelimit"
)

// EnvPrefix namespaces environment overrides, e.g. JOBSCRAPER_SCRAPE_WORKERS.
const EnvPrefix = "JOBSCRAPER"

// MaxWorkers caps scrape.workers.
const MaxWorkers = 20

// DefaultOutput is the spreadsheet written when scrape.output is unset.
const DefaultOutput = "data/seek_ict_jobs_melbourne.xlsx"

// DefaultCompaniesOutput is the spreadsheet written by company searches when
// companies.output is unset.
const DefaultCompaniesOutput = "data/company_jobs.xlsx"

// Config captures every knob loaded via Viper.
type Config struct {
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Companies CompaniesConfig `mapstructure:"companies"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Enrich    EnrichConfig    `mapstructure:"enrich"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ScrapeConfig governs discovery, the worker pool and the output file.
type ScrapeConfig struct {
	SearchURL          string `mapstructure:"search_url"`
	SortByDate         bool   `mapstructure:"sort_by_date"`
	Workers            int    `mapstructure:"workers"`
	QueueDepth         int    `mapstructure:"queue_depth"`
	StartJob           int    `mapstructure:"start_job"`
	EndJob             int    `mapstructure:"end_job"`
	StartPage          int    `mapstructure:"start_page"`
	EndPage            int    `mapstructure:"end_page"`
	MaxPages           int    `mapstructure:"max_pages"`
	CheckpointInterval int    `mapstructure:"checkpoint_interval"`
	ProgressLogEvery   int    `mapstructure:"progress_log_every"`
	Output             string `mapstructure:"output"`
}

// CompaniesConfig drives company-targeted searches. Names and the lines of
// File are combined with names given on the command line.
type CompaniesConfig struct {
	Names             []string `mapstructure:"names"`
	File              string   `mapstructure:"file"`
	SearchURL         string   `mapstructure:"search_url"`
	Location          string   `mapstructure:"location"`
	Classification    string   `mapstructure:"classification"`
	MaxJobsPerCompany int      `mapstructure:"max_jobs_per_company"`
	SearchWorkers     int      `mapstructure:"search_workers"`
	MatchThreshold    float64  `mapstructure:"match_threshold"`
	Output            string   `mapstructure:"output"`
}

// BrowserConfig configures Chrome sessions.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	UserAgent     string        `mapstructure:"user_agent"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	WindowWidth   int           `mapstructure:"window_width"`
	WindowHeight  int           `mapstructure:"window_height"`
	DisableImages bool          `mapstructure:"disable_images"`

	// PageLoadsPerSecond paces navigation per host; zero disables pacing.
	PageLoadsPerSecond float64 `mapstructure:"page_loads_per_second"`
	PageLoadBurst      int     `mapstructure:"page_load_burst"`
}

// ExtractConfig parameterizes the exclusion rules.
type ExtractConfig struct {
	RecruiterNames        []string `mapstructure:"recruiter_names"`
	AllowedWorkTypes      []string `mapstructure:"allowed_work_types"`
	MaxCompanySize        int      `mapstructure:"max_company_size"`
	ExcludeRecruiters     bool     `mapstructure:"exclude_recruiters"`
	ExcludeNonPermanent   bool     `mapstructure:"exclude_non_permanent"`
	ExcludeLargeCompanies bool     `mapstructure:"exclude_large_companies"`
}

// EnrichConfig controls the phone lookup and its cache.
type EnrichConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	SearchURL         string        `mapstructure:"search_url"`
	City              string        `mapstructure:"city"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	CachePath         string        `mapstructure:"cache_path"`
}

// QuotaConfig sets the rate-limit trip threshold and pause.
type QuotaConfig struct {
	Threshold        int           `mapstructure:"threshold"`
	Pause            time.Duration `mapstructure:"pause"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
}

// ProgressConfig sizes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DBConfig points at the optional run history database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	ListingTable string `mapstructure:"listing_table"`
}

// StorageConfig names the optional artifact archives.
type StorageConfig struct {
	GCSBucket  string `mapstructure:"gcs_bucket"`
	Prefix     string `mapstructure:"prefix"`
	ArchiveDir string `mapstructure:"archive_dir"`
}

// PubSubConfig names the optional completion topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FlagKeys maps command-line flag names to the config keys they override.
var FlagKeys = map[string]string{
	"workers":      "scrape.workers",
	"start-job":    "scrape.start_job",
	"end-job":      "scrape.end_job",
	"start-page":   "scrape.start_page",
	"end-page":     "scrape.end_page",
	"sort-by-date": "scrape.sort_by_date",
	"output":       "scrape.output",
	"headless":     "browser.headless",
}

// CompanyFlagKeys maps the company search command's flags to config keys.
var CompanyFlagKeys = map[string]string{
	"workers":         "scrape.workers",
	"companies-file":  "companies.file",
	"max-per-company": "companies.max_jobs_per_company",
	"search-workers":  "companies.search_workers",
	"location":        "companies.location",
	"output":          "companies.output",
	"headless":        "browser.headless",
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with flags layered on top. Only flags named in
// FlagKeys are bound; unknown flag names are ignored.
func LoadWithFlags(path string, flags *pflag.FlagSet) (Config, error) {
	return LoadWithFlagKeys(path, flags, FlagKeys)
}

// LoadWithFlagKeys is LoadWithFlags with an explicit flag → key map.
func LoadWithFlagKeys(path string, flags *pflag.FlagSet, keys map[string]string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range keys {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scrape.search_url", collector.DefaultSearchURL)
	v.SetDefault("scrape.sort_by_date", false)
	v.SetDefault("scrape.workers", dispatcher.DefaultWorkers)
	v.SetDefault("scrape.queue_depth", 0)
	v.SetDefault("scrape.start_job", 1)
	v.SetDefault("scrape.end_job", 0)
	v.SetDefault("scrape.start_page", 1)
	v.SetDefault("scrape.end_page", 0)
	v.SetDefault("scrape.max_pages", collector.DefaultMaxPages)
	v.SetDefault("scrape.checkpoint_interval", dispatcher.DefaultCheckpointInterval)
	v.SetDefault("scrape.progress_log_every", dispatcher.DefaultProgressLogEvery)
	v.SetDefault("scrape.output", DefaultOutput)

	v.SetDefault("companies.names", []string{})
	v.SetDefault("companies.file", "")
	v.SetDefault("companies.search_url", collector.DefaultCompanySearchURL)
	v.SetDefault("companies.location", collector.DefaultCompanyLocation)
	v.SetDefault("companies.classification", collector.DefaultCompanyClassification)
	v.SetDefault("companies.max_jobs_per_company", collector.DefaultMaxJobsPerCompany)
	v.SetDefault("companies.search_workers", collector.DefaultSearchWorkers)
	v.SetDefault("companies.match_threshold", extract.DefaultNameThreshold)
	v.SetDefault("companies.output", DefaultCompaniesOutput)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", browser.DefaultUserAgent)
	v.SetDefault("browser.nav_timeout", browser.DefaultNavigationTimeout)
	v.SetDefault("browser.settle_delay", browser.DefaultSettleDelay)
	v.SetDefault("browser.window_width", browser.DefaultWindowWidth)
	v.SetDefault("browser.window_height", browser.DefaultWindowHeight)
	v.SetDefault("browser.disable_images", true)
	v.SetDefault("browser.page_loads_per_second", 2.0)
	v.SetDefault("browser.page_load_burst", 2)

	v.SetDefault("extract.recruiter_names", extract.DefaultRecruiters)
	v.SetDefault("extract.allowed_work_types", extract.DefaultWorkTypes)
	v.SetDefault("extract.max_company_size", extract.DefaultMaxCompanySize)
	v.SetDefault("extract.exclude_recruiters", true)
	v.SetDefault("extract.exclude_non_permanent", true)
	v.SetDefault("extract.exclude_large_companies", true)

	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.search_url", enrich.DefaultSearchURL)
	v.SetDefault("enrich.city", "Melbourne")
	v.SetDefault("enrich.timeout", 15*time.Second)
	v.SetDefault("enrich.requests_per_second", 0.5)
	v.SetDefault("enrich.burst", 1)
	v.SetDefault("enrich.cache_path", enrich.DefaultCachePath)

	v.SetDefault("quota.threshold", 5)
	v.SetDefault("quota.pause", 30*time.Minute)
	v.SetDefault("quota.progress_interval", time.Minute)
	v.SetDefault("quota.poll_interval", dispatcher.DefaultQuotaPollInterval)

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)

	// Keys without a useful default are still registered so AutomaticEnv
	// can supply them during Unmarshal.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.listing_table", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("storage.archive_dir", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	s := c.Scrape
	if _, err := url.ParseRequestURI(s.SearchURL); err != nil {
		add("scrape.search_url must be an absolute url: %w", err)
	}
	if s.Workers < 1 || s.Workers > MaxWorkers {
		add("scrape.workers must be between 1 and %d", MaxWorkers)
	}
	if s.QueueDepth < 0 {
		add("scrape.queue_depth must be >= 0")
	}
	if s.StartJob < 1 {
		add("scrape.start_job must be >= 1")
	}
	if s.EndJob != 0 && s.EndJob < s.StartJob {
		add("scrape.end_job must be 0 or >= start_job")
	}
	if s.StartPage < 1 {
		add("scrape.start_page must be >= 1")
	}
	if s.EndPage != 0 && s.EndPage < s.StartPage {
		add("scrape.end_page must be 0 or >= start_page")
	}
	if s.MaxPages < 0 {
		add("scrape.max_pages must be >= 0")
	}
	if s.CheckpointInterval <= 0 {
		add("scrape.checkpoint_interval must be > 0")
	}
	if s.ProgressLogEvery <= 0 {
		add("scrape.progress_log_every must be > 0")
	}
	if strings.TrimSpace(s.Output) == "" {
		add("scrape.output is required")
	} else if ext := strings.ToLower(filepath.Ext(s.Output)); ext != ".xlsx" {
		add("scrape.output must be an .xlsx file, got %q", ext)
	}

	co := c.Companies
	if _, err := url.ParseRequestURI(co.SearchURL); err != nil {
		add("companies.search_url must be an absolute url: %w", err)
	}
	if co.SearchWorkers < 1 || co.SearchWorkers > MaxWorkers {
		add("companies.search_workers must be between 1 and %d", MaxWorkers)
	}
	if co.MaxJobsPerCompany < 0 {
		add("companies.max_jobs_per_company must be >= 0")
	}
	if co.MatchThreshold <= 0 || co.MatchThreshold > 1 {
		add("companies.match_threshold must be in (0, 1]")
	}
	if strings.TrimSpace(co.Output) == "" {
		add("companies.output is required")
	} else if ext := strings.ToLower(filepath.Ext(co.Output)); ext != ".xlsx" {
		add("companies.output must be an .xlsx file, got %q", ext)
	}

	if c.Browser.NavTimeout <= 0 {
		add("browser.nav_timeout must be > 0")
	}
	if c.Browser.PageLoadsPerSecond < 0 {
		add("browser.page_loads_per_second must be >= 0")
	}
	if c.Extract.ExcludeLargeCompanies && c.Extract.MaxCompanySize <= 0 {
		add("extract.max_company_size must be > 0 when large companies are excluded")
	}
	if c.Enrich.Enabled {
		if c.Enrich.Timeout <= 0 {
			add("enrich.timeout must be > 0")
		}
		if c.Enrich.RequestsPerSecond < 0 {
			add("enrich.requests_per_second must be >= 0")
		}
	}
	if c.Quota.Threshold <= 0 {
		add("quota.threshold must be > 0")
	}
	if c.Quota.Pause <= 0 {
		add("quota.pause must be > 0")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server.port must be a valid port when the server is enabled")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		add("pubsub.project_id must be set when pubsub.topic is set")
	}
	return errors.Join(errs...)
}

// Range returns the job selection window for the pipeline.
func (s ScrapeConfig) Range() collector.Range {
	return collector.Range{Start: s.StartJob, End: s.EndJob}
}

// CollectorConfig maps the scrape section onto the link stream.
func (s ScrapeConfig) CollectorConfig() collector.Config {
	return collector.Config{
		SearchURL:  s.SearchURL,
		SortByDate: s.SortByDate,
		StartPage:  s.StartPage,
		EndPage:    s.EndPage,
		MaxPages:   s.MaxPages,
	}
}

// ProviderConfig maps the browser section onto session settings. One extra
// session is reserved for the link stream.
func (c Config) ProviderConfig() browser.Config {
	return c.providerConfig(c.Scrape.Workers + 1)
}

// CompanyProviderConfig is ProviderConfig sized for a company search, whose
// searches each hold a session alongside the workers.
func (c Config) CompanyProviderConfig() browser.Config {
	return c.providerConfig(c.Scrape.Workers + c.Companies.SearchWorkers)
}

func (c Config) providerConfig(maxSessions int) browser.Config {
	return browser.Config{
		Pacer: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: c.Browser.PageLoadsPerSecond,
			Burst:             c.Browser.PageLoadBurst,
		}),
		Headless:          c.Browser.Headless,
		UserAgent:         c.Browser.UserAgent,
		NavigationTimeout: c.Browser.NavTimeout,
		SettleDelay:       c.Browser.SettleDelay,
		WindowWidth:       c.Browser.WindowWidth,
		WindowHeight:      c.Browser.WindowHeight,
		DisableImages:     c.Browser.DisableImages,
		MaxSessions:       maxSessions,
	}
}

// RulesConfig maps the extract section onto rule settings.
func (e ExtractConfig) RulesConfig() extract.RulesConfig {
	return extract.RulesConfig{
		ExcludeRecruiters:     e.ExcludeRecruiters,
		ExcludeNonPermanent:   e.ExcludeNonPermanent,
		ExcludeLargeCompanies: e.ExcludeLargeCompanies,
		RecruiterNames:        e.RecruiterNames,
		AllowedWorkTypes:      e.AllowedWorkTypes,
		MaxCompanySize:        e.MaxCompanySize,
	}
}

// LookupConfig maps the enrich section onto the phone lookup.
func (c Config) LookupConfig() enrich.LookupConfig {
	return enrich.LookupConfig{
		SearchURL:         c.Enrich.SearchURL,
		UserAgent:         c.Browser.UserAgent,
		Timeout:           c.Enrich.Timeout,
		RequestsPerSecond: c.Enrich.RequestsPerSecond,
		Burst:             c.Enrich.Burst,
		City:              c.Enrich.City,
	}
}

// LookupFlightTimeout bounds one shared phone lookup: the request timeout
// plus the time a full pool of workers may queue on the lookup rate limit.
func (c Config) LookupFlightTimeout() time.Duration {
	d := c.Enrich.Timeout
	if rps := c.Enrich.RequestsPerSecond; rps > 0 {
		d += time.Duration(float64(c.Scrape.Workers) / rps * float64(time.Second))
	}
	return d
}

// CompanyNames merges companies.names, the lines of companies.file and args,
// in that order. Blank lines and lines starting with "#" are skipped and
// names that fold to the same text are kept once.
func (c Config) CompanyNames(args []string) ([]string, error) {
	names := append([]string(nil), c.Companies.Names...)
	if path := strings.TrimSpace(c.Companies.File); path != "" {
		// #nosec G304 -- the company list path is operator configuration.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read companies file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			names = append(names, line)
		}
	}
	names = append(names, args...)

	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		key := extract.Fold(n)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// CompanySearchConfig maps the companies section onto a search for names.
func (c Config) CompanySearchConfig(names []string) collector.CompanyConfig {
	co := c.Companies
	return collector.CompanyConfig{
		SearchURL:         co.SearchURL,
		Companies:         names,
		Location:          co.Location,
		Classification:    co.Classification,
		MaxJobsPerCompany: co.MaxJobsPerCompany,
		Workers:           co.SearchWorkers,
	}
}

package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Company search defaults.
const (
	DefaultCompanySearchURL      = "https://www.seek.com.au/jobs"
	DefaultCompanyLocation       = "Melbourne"
	DefaultCompanyClassification = "Information & Communication Technology"
	DefaultMaxJobsPerCompany     = 5
	DefaultSearchWorkers         = 3
)

// CompanyLinkSelectors find job links on an advertiser search page.
var CompanyLinkSelectors = []string{
	`article[data-card-type="JobCard"] a[data-automation="jobTitle"]`,
	`a[data-automation="jobTitle"]`,
}

// CompanyConfig shapes a company-targeted search.
type CompanyConfig struct {
	SearchURL      string
	Companies      []string
	Location       string
	Classification string
	// MaxJobsPerCompany caps the links kept per company. Zero keeps all.
	MaxJobsPerCompany int
	// Workers is the number of searches run at once, each with its own
	// session.
	Workers         int
	LinkSelectors   []string
	LinkMustContain string
}

// CompanySearch streams the first results page of an advertiser search for
// each configured company.
type CompanySearch struct {
	cfg    CompanyConfig
	logger *zap.Logger
}

// NewCompanySearch fills defaults and returns a search.
func NewCompanySearch(cfg CompanyConfig, logger *zap.Logger) *CompanySearch {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultCompanySearchURL
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultSearchWorkers
	}
	if len(cfg.LinkSelectors) == 0 {
		cfg.LinkSelectors = CompanyLinkSelectors
	}
	if cfg.LinkMustContain == "" {
		cfg.LinkMustContain = "/job/"
	}
	return &CompanySearch{cfg: cfg, logger: logger}
}

// BuildCompanySearchURL returns the advertiser search url for company. Empty
// location or classification are left out.
func BuildCompanySearchURL(base, company, location, classification string) (string, error) {
	company = strings.TrimSpace(company)
	if company == "" {
		return "", errors.New("company name is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse company search url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("company search url %q must be absolute", base)
	}
	q := u.Query()
	if classification != "" {
		q.Set("classification", classification)
	}
	if location != "" {
		q.Set("where", location)
	}
	q.Set("advertiser", company)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Links searches every company and streams one batch per company with links.
// A failed search for one company is logged and skipped; a failed session
// Open ends the stream. Links seen for an earlier company are not repeated.
// If no company yields a link the error channel carries scraper.ErrNoResults.
func (s *CompanySearch) Links(ctx context.Context, provider scraper.SessionProvider) (<-chan Batch, <-chan error) {
	batches := make(chan Batch)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(batches)
		if err := s.run(ctx, provider, batches); err != nil {
			errc <- err
		}
	}()
	return batches, errc
}

func (s *CompanySearch) run(ctx context.Context, provider scraper.SessionProvider, out chan<- Batch) error {
	if len(s.cfg.Companies) == 0 {
		return errors.New("no companies to search")
	}
	s.logger.Info("company search started",
		zap.Int("companies", len(s.cfg.Companies)),
		zap.String("location", s.cfg.Location),
		zap.Int("workers", s.cfg.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	names := make(chan string)
	g.Go(func() error {
		defer close(names)
		for _, name := range s.cfg.Companies {
			select {
			case names <- name:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var (
		mu       sync.Mutex
		seen     = make(map[string]struct{})
		found    int
		searched int
	)
	emit := func(company string, links []string) error {
		mu.Lock()
		searched++
		fresh := make([]string, 0, len(links))
		for _, l := range links {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			fresh = append(fresh, l)
		}
		found += len(fresh)
		done := searched
		mu.Unlock()

		s.logger.Info("company searched",
			zap.String("company", company),
			zap.Int("new_links", len(fresh)),
			zap.Int("progress", done),
			zap.Int("companies", len(s.cfg.Companies)),
		)
		if len(fresh) == 0 {
			return nil
		}
		select {
		case out <- Batch{Page: 1, Company: company, URLs: fresh}:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	}

	workers := min(s.cfg.Workers, len(s.cfg.Companies))
	for range workers {
		g.Go(func() error {
			return s.searchLoop(gctx, provider, names, emit)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if found == 0 {
		return fmt.Errorf("%d companies searched: %w", len(s.cfg.Companies), scraper.ErrNoResults)
	}
	s.logger.Info("company search finished", zap.Int("links", found))
	return nil
}

// searchLoop serves names with one session, replacing it once per company if
// the browser is lost.
func (s *CompanySearch) searchLoop(ctx context.Context, provider scraper.SessionProvider, names <-chan string, emit func(string, []string) error) error {
	var sess scraper.Session
	defer func() { s.release(sess) }()

	for name := range names {
		var (
			links []string
			err   error
		)
		for attempt := 0; attempt < 2; attempt++ {
			if sess == nil {
				if sess, err = provider.Open(ctx); err != nil {
					return fmt.Errorf("open search session: %w", err)
				}
			}
			links, err = s.search(ctx, sess, name)
			if !errors.Is(err, scraper.ErrSessionInvalid) {
				break
			}
			s.release(sess)
			sess = nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("company search failed", zap.String("company", name), zap.Error(err))
			links = nil
		}
		if err := emit(name, links); err != nil {
			return err
		}
	}
	return nil
}

// search reads the first results page for company, deduplicated and capped.
func (s *CompanySearch) search(ctx context.Context, sess scraper.Session, company string) ([]string, error) {
	u, err := BuildCompanySearchURL(s.cfg.SearchURL, company, s.cfg.Location, s.cfg.Classification)
	if err != nil {
		return nil, err
	}
	if err := sess.Navigate(ctx, u); err != nil {
		return nil, fmt.Errorf("load search for %q: %w", company, err)
	}
	links, err := findLinks(ctx, sess, u, s.cfg.LinkSelectors, s.cfg.LinkMustContain)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
		if s.cfg.MaxJobsPerCompany > 0 && len(out) >= s.cfg.MaxJobsPerCompany {
			break
		}
	}
	return out, nil
}

func (s *CompanySearch) release(sess scraper.Session) {
	if sess == nil {
		return
	}
	if err := sess.Close(); err != nil {
		s.logger.Debug("close search session failed", zap.Error(err))
	}
}

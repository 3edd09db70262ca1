// Package collector walks search result pages and streams the job links found
// on each one.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// DefaultMaxPages caps how many pages one stream visits.
const DefaultMaxPages = 100

// Default selectors. Each list is tried in order.
var (
	DefaultLinkSelectors = []string{
		`a[data-automation="jobTitle"]`,
		`[data-automation="jobTitle"]`,
		`a[data-card-tracking-control="true"]`,
		`article a[href*="/job/"]`,
	}
	DefaultNextSelectors = []string{
		`a[data-automation="page-next"]`,
		`[data-automation="page-next"]`,
		`a[aria-label="Next"]`,
		`nav[aria-label="pagination"] a:last-child`,
	}
	TotalJobsSelector = `[data-automation="totalJobsCount"]`
)

// Batch holds the new links found on one results page, in page order.
// Company is set when the page was a search for one advertiser.
type Batch struct {
	Page    int
	Company string
	URLs    []string
}

// Config bounds and shapes a stream.
type Config struct {
	SearchURL  string
	SortByDate bool
	// StartPage is 1-indexed. Zero means 1.
	StartPage int
	// EndPage is inclusive. Zero means unbounded.
	EndPage int
	// MaxJobs stops the stream once this many links are collected. Zero means
	// unbounded.
	MaxJobs         int
	MaxPages        int
	LinkSelectors   []string
	NextSelectors   []string
	LinkMustContain string
}

// Collector produces link streams.
type Collector struct {
	cfg    Config
	logger *zap.Logger
}

// New fills defaults and returns a collector.
func New(cfg Config, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if cfg.StartPage < 1 {
		cfg.StartPage = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if len(cfg.LinkSelectors) == 0 {
		cfg.LinkSelectors = DefaultLinkSelectors
	}
	if len(cfg.NextSelectors) == 0 {
		cfg.NextSelectors = DefaultNextSelectors
	}
	if cfg.LinkMustContain == "" {
		cfg.LinkMustContain = "/job/"
	}
	return &Collector{cfg: cfg, logger: logger}
}

// Stream starts walking result pages with sess. Batches arrive on an
// unbuffered channel, so the next page is fetched only after the previous
// batch is taken. The error channel yields at most one value and both channels
// are closed when the walk ends. The stream is finite and cannot be restarted.
func (c *Collector) Stream(ctx context.Context, sess scraper.Session) (<-chan Batch, <-chan error) {
	batches := make(chan Batch)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(batches)
		if err := c.walk(ctx, sess, batches); err != nil {
			errc <- err
		}
	}()
	return batches, errc
}

// Links opens a session from provider and streams result pages with it. The
// session is closed when the walk ends. A failed Open is reported on the
// error channel.
func (c *Collector) Links(ctx context.Context, provider scraper.SessionProvider) (<-chan Batch, <-chan error) {
	batches := make(chan Batch)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(batches)
		sess, err := provider.Open(ctx)
		if err != nil {
			errc <- fmt.Errorf("open search session: %w", err)
			return
		}
		defer func() {
			if err := sess.Close(); err != nil {
				c.logger.Debug("close search session failed", zap.Error(err))
			}
		}()
		if err := c.walk(ctx, sess, batches); err != nil {
			errc <- err
		}
	}()
	return batches, errc
}

func (c *Collector) walk(ctx context.Context, sess scraper.Session, out chan<- Batch) error {
	page := c.cfg.StartPage
	pageURL, err := c.pageURL(page)
	if err != nil {
		return err
	}
	if err := sess.Navigate(ctx, pageURL); err != nil {
		return fmt.Errorf("load results page %d: %w", page, err)
	}
	c.logTotal(ctx, sess)

	var (
		seen          = make(map[string]struct{})
		collected     int
		fallbackSpent bool
	)
	for {
		links, err := c.pageLinks(ctx, sess, pageURL)
		if err != nil {
			return err
		}

		if len(links) == 0 {
			if page == c.cfg.StartPage {
				return fmt.Errorf("page %d: %w", page, scraper.ErrNoResults)
			}
			c.logger.Info("results page empty", zap.Int("page", page))
			if fallbackSpent || !c.pageTargetPending(page) || c.capReached(page) {
				return nil
			}
			fallbackSpent = true
			page++
			if pageURL, err = c.jumpTo(ctx, sess, page); err != nil {
				return c.stopOn(ctx, err, page)
			}
			continue
		}
		fallbackSpent = false

		fresh := make([]string, 0, len(links))
		for _, l := range links {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			fresh = append(fresh, l)
		}
		collected += len(fresh)
		c.logger.Info("results page collected",
			zap.Int("page", page),
			zap.Int("new_links", len(fresh)),
			zap.Int("collected", collected),
		)
		if len(fresh) > 0 {
			select {
			case out <- Batch{Page: page, URLs: fresh}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		switch {
		case c.cfg.MaxJobs > 0 && collected >= c.cfg.MaxJobs:
			c.logger.Info("collected enough links", zap.Int("collected", collected))
			return nil
		case c.cfg.EndPage > 0 && page >= c.cfg.EndPage:
			c.logger.Info("reached end page", zap.Int("page", page))
			return nil
		case c.capReached(page):
			c.logger.Warn("reached page cap", zap.Int("max_pages", c.cfg.MaxPages))
			return nil
		}

		next, err := c.advance(ctx, sess, page)
		if err != nil {
			return c.stopOn(ctx, err, page+1)
		}
		page++
		pageURL = next
	}
}

// advance moves to the next results page by clicking pagination, falling back
// to direct navigation while a page target is pending.
func (c *Collector) advance(ctx context.Context, sess scraper.Session, page int) (string, error) {
	clickErr := c.clickNext(ctx, sess)
	if clickErr == nil {
		return c.pageURL(page + 1)
	}
	if errors.Is(clickErr, scraper.ErrSessionInvalid) || ctx.Err() != nil {
		return "", clickErr
	}
	if !c.pageTargetPending(page) {
		return "", clickErr
	}
	c.logger.Debug("next control unavailable, navigating directly",
		zap.Int("page", page+1),
		zap.Error(clickErr),
	)
	return c.jumpTo(ctx, sess, page+1)
}

func (c *Collector) clickNext(ctx context.Context, sess scraper.Session) error {
	for _, sel := range c.cfg.NextSelectors {
		els, err := sess.Find(ctx, sel)
		if err != nil {
			if errors.Is(err, scraper.ErrElementNotFound) {
				continue
			}
			return err
		}
		if len(els) == 0 || strings.EqualFold(els[0].Attr("aria-disabled"), "true") {
			return fmt.Errorf("next page control disabled: %w", scraper.ErrElementNotFound)
		}
		return sess.Click(ctx, sel)
	}
	return fmt.Errorf("no next page control: %w", scraper.ErrElementNotFound)
}

func (c *Collector) jumpTo(ctx context.Context, sess scraper.Session, page int) (string, error) {
	u, err := c.pageURL(page)
	if err != nil {
		return "", err
	}
	if err := sess.Navigate(ctx, u); err != nil {
		return "", fmt.Errorf("load results page %d: %w", page, err)
	}
	return u, nil
}

// stopOn ends the walk after a failed advance. Cancellation and session loss
// surface as errors; anything else means there is no further page.
func (c *Collector) stopOn(ctx context.Context, err error, page int) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, scraper.ErrSessionInvalid) {
		return err
	}
	c.logger.Info("no more result pages", zap.Int("page", page), zap.Error(err))
	return nil
}

func (c *Collector) pageLinks(ctx context.Context, sess scraper.Session, base string) ([]string, error) {
	return findLinks(ctx, sess, base, c.cfg.LinkSelectors, c.cfg.LinkMustContain)
}

// findLinks returns the canonical links matched by the first selector that
// yields any link containing mustContain.
func findLinks(ctx context.Context, sess scraper.Session, base string, selectors []string, mustContain string) ([]string, error) {
	for _, sel := range selectors {
		els, err := sess.Find(ctx, sel)
		if err != nil {
			if errors.Is(err, scraper.ErrElementNotFound) {
				continue
			}
			return nil, fmt.Errorf("find job links: %w", err)
		}
		var links []string
		for _, el := range els {
			link, ok := Canonicalize(base, el.Attr("href"))
			if !ok || !strings.Contains(link, mustContain) {
				continue
			}
			links = append(links, link)
		}
		if len(links) > 0 {
			return links, nil
		}
	}
	return nil, nil
}

// logTotal reports the advertised result count. It never affects control flow.
func (c *Collector) logTotal(ctx context.Context, sess scraper.Session) {
	els, err := sess.Find(ctx, TotalJobsSelector)
	if err != nil || len(els) == 0 {
		return
	}
	if n, ok := ParseCount(els[0].Text); ok {
		c.logger.Info("search reports total jobs", zap.Int("total_jobs", n))
	}
}

// ParseCount reads a count such as "1,234" or "1,234 jobs".
func ParseCount(text string) (int, bool) {
	fields := strings.Fields(strings.ReplaceAll(text, ",", ""))
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Collector) pageURL(page int) (string, error) {
	return BuildSearchURL(c.cfg.SearchURL, page, c.cfg.SortByDate)
}

func (c *Collector) pageTargetPending(page int) bool {
	return c.cfg.EndPage > 0 && page < c.cfg.EndPage
}

func (c *Collector) capReached(page int) bool {
	return page-c.cfg.StartPage+1 >= c.cfg.MaxPages
}

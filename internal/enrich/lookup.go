package enrich

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// DefaultSearchURL is the search endpoint queried for business phones.
const DefaultSearchURL = "https://www.google.com/search"

// phoneSelectors locate the business phone in a search result page, most
// specific first.
var phoneSelectors = []string{
	`span[data-dtype="d3ph"]`,
	`a[data-dtype="d3ph"]`,
	`span.LrzXr`,
	`div.LrzXr`,
	`[jsname="ZwRAXe"]`,
	`a[href^="tel:"]`,
}

var blockMarkers = []string{
	"unusual traffic from your computer network",
	"our systems have detected unusual traffic",
}

// LookupConfig controls the phone lookup client.
type LookupConfig struct {
	SearchURL         string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	// City overrides the city taken from the listing location.
	City string
}

// PhoneLookup finds an organization's phone number with a search query.
// It satisfies scraper.Enricher.
type PhoneLookup struct {
	cfg     LookupConfig
	base    *colly.Collector
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewPhoneLookup builds a lookup client. A non-positive rate disables pacing.
func NewPhoneLookup(cfg LookupConfig, logger *zap.Logger) *PhoneLookup {
	if cfg.SearchURL == "" {
		cfg.SearchURL = DefaultSearchURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	}
	// Clones share the base backend, so client-level settings live here.
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &PhoneLookup{
		cfg:     cfg,
		base:    c,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Query builds the search phrase for an organization and listing location.
func (l *PhoneLookup) Query(organization, location string) string {
	parts := []string{strings.TrimSpace(organization)}
	city := l.cfg.City
	if city == "" {
		if fields := strings.Fields(location); len(fields) > 0 {
			city = fields[0]
		}
	}
	if city != "" {
		parts = append(parts, city)
	}
	parts = append(parts, "phone number")
	return strings.Join(parts, " ")
}

type lookupResult struct {
	mu         sync.Mutex
	candidates []string
	bodyText   string
	status     int
	blocked    bool
	err        error
}

// Lookup returns the first valid phone found, or "" when the search ran but
// found none. Throttling responses return an error wrapping
// scraper.ErrRateLimited.
func (l *PhoneLookup) Lookup(ctx context.Context, organization, location string) (string, error) {
	if strings.TrimSpace(organization) == "" {
		return "", nil
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("lookup rate wait: %w", err)
	}

	target, err := l.searchURL(l.Query(organization, location))
	if err != nil {
		return "", err
	}
	res := &lookupResult{}
	collector := l.buildCollector(ctx, res)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	var visitErr error
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("phone lookup canceled: %w", ctx.Err())
	case visitErr = <-done:
	}

	res.mu.Lock()
	defer res.mu.Unlock()
	if res.blocked || res.status == http.StatusTooManyRequests {
		return "", fmt.Errorf("lookup %q: %w", organization, scraper.ErrRateLimited)
	}
	if visitErr != nil {
		return "", fmt.Errorf("lookup %q: %w", organization, visitErr)
	}
	if res.err != nil {
		return "", fmt.Errorf("lookup %q: %w", organization, res.err)
	}
	for _, cand := range res.candidates {
		if IsValidPhone(cand) {
			return CleanPhone(cand), nil
		}
	}
	if phone := PhoneFromText(res.bodyText); phone != "" {
		return phone, nil
	}
	l.logger.Debug("no phone found", zap.String("company", organization))
	return "", nil
}

func (l *PhoneLookup) searchURL(query string) (string, error) {
	u, err := url.Parse(l.cfg.SearchURL)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("hl", "en")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// buildCollector clones the base collector with ctx attached, so canceling
// ctx aborts the in-flight request.
func (l *PhoneLookup) buildCollector(ctx context.Context, res *lookupResult) *colly.Collector {
	c := l.base.Clone()
	c.Context = ctx

	c.OnResponse(func(r *colly.Response) {
		res.mu.Lock()
		defer res.mu.Unlock()
		res.status = r.StatusCode
		if strings.Contains(r.Request.URL.Path, "/sorry/") {
			res.blocked = true
			return
		}
		lower := strings.ToLower(string(r.Body))
		for _, marker := range blockMarkers {
			if strings.Contains(lower, marker) {
				res.blocked = true
				return
			}
		}
	})
	for _, sel := range phoneSelectors {
		c.OnHTML(sel, func(e *colly.HTMLElement) {
			res.mu.Lock()
			defer res.mu.Unlock()
			if text := strings.TrimSpace(e.Text); text != "" {
				res.candidates = append(res.candidates, text)
			}
			if href := e.Attr("href"); strings.HasPrefix(href, "tel:") {
				res.candidates = append(res.candidates, strings.TrimPrefix(href, "tel:"))
			}
		})
	}
	c.OnHTML("body", func(e *colly.HTMLElement) {
		res.mu.Lock()
		defer res.mu.Unlock()
		res.bodyText = e.DOM.Text()
	})
	c.OnError(func(r *colly.Response, err error) {
		res.mu.Lock()
		defer res.mu.Unlock()
		if r != nil {
			res.status = r.StatusCode
			if r.Request != nil && r.Request.URL != nil && strings.Contains(r.Request.URL.Path, "/sorry/") {
				res.blocked = true
			}
		}
		res.err = err
	})
	return c
}

// Package scrapertest provides an in-memory site and browser sessions for
// exercising scraper components without a real browser.
package scrapertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Page maps a CSS selector to the elements it matches.
type Page map[string][]scraper.Element

// Site is a fixed set of pages addressed by url.
type Site struct {
	mu     sync.RWMutex
	pages  map[string]Page
	clicks map[string]map[string]string
}

// NewSite returns an empty site.
func NewSite() *Site {
	return &Site{
		pages:  make(map[string]Page),
		clicks: make(map[string]map[string]string),
	}
}

// AddPage registers url with its selector matches.
func (s *Site) AddPage(url string, p Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = p
}

// AddClick makes clicking selector on page url navigate to target.
func (s *Site) AddClick(url, selector, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clicks[url] == nil {
		s.clicks[url] = make(map[string]string)
	}
	s.clicks[url][selector] = target
}

func (s *Site) page(url string) (Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[url]
	return p, ok
}

func (s *Site) clickTarget(url, selector string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clicks[url][selector]
}

// Text is shorthand for a single element holding text.
func Text(text string) []scraper.Element {
	return []scraper.Element{{Text: text}}
}

// Links builds anchor elements for hrefs.
func Links(hrefs ...string) []scraper.Element {
	out := make([]scraper.Element, 0, len(hrefs))
	for _, h := range hrefs {
		out = append(out, scraper.Element{Text: h, Attrs: map[string]string{"href": h}})
	}
	return out
}

// NavigateHook may fail a navigation. Returning nil lets it proceed.
type NavigateHook func(sessionID int, url string) error

// Session is a fake scraper.Session bound to a Site.
type Session struct {
	ID int

	site     *Site
	hook     NavigateHook
	provider *Provider

	mu      sync.Mutex
	current string
	closed  bool
	navs    []string
}

// NewSession returns a session outside any provider.
func NewSession(site *Site) *Session {
	return &Session{site: site}
}

// Navigate implements scraper.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return scraper.ErrSessionInvalid
	}
	s.navs = append(s.navs, url)
	if s.hook != nil {
		if err := s.hook(s.ID, url); err != nil {
			return err
		}
	}
	if _, ok := s.site.page(url); !ok {
		return fmt.Errorf("%w: %s", scraper.ErrNavigation, url)
	}
	s.current = url
	return nil
}

// Find implements scraper.Session.
func (s *Session) Find(ctx context.Context, selector string) ([]scraper.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, scraper.ErrSessionInvalid
	}
	p, _ := s.site.page(s.current)
	els := p[selector]
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", scraper.ErrElementNotFound, selector)
	}
	out := make([]scraper.Element, len(els))
	copy(out, els)
	return out, nil
}

// Click implements scraper.Session.
func (s *Session) Click(ctx context.Context, selector string) error {
	s.mu.Lock()
	target := s.site.clickTarget(s.current, selector)
	s.mu.Unlock()
	if target == "" {
		return fmt.Errorf("%w: %s", scraper.ErrElementNotFound, selector)
	}
	return s.Navigate(ctx, target)
}

// Close implements scraper.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.provider != nil {
		s.provider.live.Add(-1)
		s.provider.closed.Add(1)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Navigations returns every url passed to Navigate.
func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navs...)
}

// Provider is a fake scraper.SessionProvider that counts sessions.
type Provider struct {
	Site *Site
	// OpenErr, when set, may fail the nth Open call (1-indexed).
	OpenErr func(n int) error
	// Navigate is installed on every session.
	Navigate NavigateHook

	opens   atomic.Int64
	live    atomic.Int64
	maxLive atomic.Int64
	closed  atomic.Int64

	mu       sync.Mutex
	sessions []*Session
}

// Open implements scraper.SessionProvider.
func (p *Provider) Open(ctx context.Context) (scraper.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int(p.opens.Add(1))
	if p.OpenErr != nil {
		if err := p.OpenErr(n); err != nil {
			return nil, fmt.Errorf("%w: %w", scraper.ErrSessionInit, err)
		}
	}
	live := p.live.Add(1)
	for {
		cur := p.maxLive.Load()
		if live <= cur || p.maxLive.CompareAndSwap(cur, live) {
			break
		}
	}
	s := &Session{ID: n, site: p.Site, hook: p.Navigate, provider: p}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Opens is the number of Open calls, failed ones included.
func (p *Provider) Opens() int { return int(p.opens.Load()) }

// Live is the number of sessions currently open.
func (p *Provider) Live() int { return int(p.live.Load()) }

// MaxLive is the highest number of sessions open at once.
func (p *Provider) MaxLive() int { return int(p.maxLive.Load()) }

// ClosedCount is the number of sessions closed.
func (p *Provider) ClosedCount() int { return int(p.closed.Load()) }

// Sessions returns every session opened so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

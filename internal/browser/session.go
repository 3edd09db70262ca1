package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Session is a scraper.Session driving one Chrome tab.
type Session struct {
	tab     context.Context
	cancel  context.CancelFunc
	cfg     Config
	release func()

	mu  sync.Mutex
	doc *document

	closeOnce sync.Once
}

func newSession(tab context.Context, cancel context.CancelFunc, cfg Config, release func()) *Session {
	return &Session{tab: tab, cancel: cancel, cfg: cfg, release: release}
}

// Navigate implements scraper.Session.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if s.cfg.Pacer != nil {
		if err := s.cfg.Pacer.Wait(ctx, url); err != nil {
			return err
		}
	}
	return s.load(ctx, url, chromedp.Navigate(url))
}

// Click implements scraper.Session. The selector is matched in the live page.
func (s *Session) Click(ctx context.Context, selector string) error {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return fmt.Errorf("quote selector: %w", err)
	}
	script := fmt.Sprintf(`(function(){var el=document.querySelector(%s);if(!el){return false;}el.scrollIntoView();el.click();return true;})()`, quoted)
	var clicked bool
	runCtx, stop := bindContext(ctx, s.tab, s.cfg.NavigationTimeout)
	err = chromedp.Run(runCtx, chromedp.Evaluate(script, &clicked))
	stop()
	if err != nil {
		return s.classify(ctx, err)
	}
	if !clicked {
		return fmt.Errorf("%w: %s", scraper.ErrElementNotFound, selector)
	}
	return s.load(ctx, "", nil)
}

func (s *Session) load(ctx context.Context, target string, nav chromedp.Action) error {
	if err := s.tab.Err(); err != nil {
		return fmt.Errorf("%w: %w", scraper.ErrSessionInvalid, err)
	}
	var html, finalURL string
	actions := make([]chromedp.Action, 0, 5)
	if nav != nil {
		actions = append(actions, nav)
	}
	actions = append(actions,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	runCtx, stop := bindContext(ctx, s.tab, s.cfg.NavigationTimeout)
	err := chromedp.Run(runCtx, actions...)
	stop()
	if err != nil {
		if target != "" {
			return fmt.Errorf("load %s: %w", target, s.classify(ctx, err))
		}
		return s.classify(ctx, err)
	}

	doc, err := parseDocument(finalURL, html)
	if err != nil {
		return fmt.Errorf("%w: %w", scraper.ErrNavigation, err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Find implements scraper.Session against the snapshot taken by the last
// Navigate or Click.
func (s *Session) Find(ctx context.Context, selector string) ([]scraper.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.tab.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", scraper.ErrSessionInvalid, err)
	}
	s.mu.Lock()
	doc := s.doc
	s.mu.Unlock()
	els := doc.find(selector)
	if len(els) == 0 {
		return nil, fmt.Errorf("%w: %s", scraper.ErrElementNotFound, selector)
	}
	return els, nil
}

// URL returns the location of the current snapshot.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return ""
	}
	return s.doc.url
}

// Close implements scraper.Session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.release != nil {
			s.release()
		}
	})
	return nil
}

// classify maps a chromedp failure onto the scraper sentinels. Caller
// cancellation wins over everything else.
func (s *Session) classify(caller context.Context, err error) error {
	return classifyRunError(caller, s.tab, err)
}

func classifyRunError(caller, tab context.Context, err error) error {
	switch {
	case caller.Err() != nil:
		return fmt.Errorf("browser action canceled: %w", caller.Err())
	case tab.Err() != nil,
		errors.Is(err, chromedp.ErrInvalidContext),
		errors.Is(err, chromedp.ErrChannelClosed),
		errors.Is(err, chromedp.ErrInvalidTarget):
		return fmt.Errorf("%w: %w", scraper.ErrSessionInvalid, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: timed out: %w", scraper.ErrNavigation, err)
	default:
		return fmt.Errorf("%w: %w", scraper.ErrNavigation, err)
	}
}

// Package browser provides scraper sessions backed by headless Chrome.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

// Defaults applied by NewProvider.
const (
	DefaultNavigationTimeout = 30 * time.Second
	DefaultSettleDelay       = 300 * time.Millisecond
	DefaultWindowWidth       = 1920
	DefaultWindowHeight      = 1080
	DefaultUserAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Config controls browser sessions.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	WindowWidth       int
	WindowHeight      int
	DisableImages     bool
	// MaxSessions bounds concurrently open sessions. Zero means unbounded.
	MaxSessions int
	// Pacer, when set, is consulted before every Navigate.
	Pacer Pacer
}

// Pacer delays page loads, typically per host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Provider launches one Chrome instance per session.
type Provider struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewProvider creates a provider. Chrome is started lazily by the first Open.
func NewProvider(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = DefaultWindowWidth, DefaultWindowHeight
	}
	var limiter chan struct{}
	if cfg.MaxSessions > 0 {
		limiter = make(chan struct{}, cfg.MaxSessions)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Provider{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.DisableImages {
		opts = append(opts, chromedp.Flag("blink-settings", "imagesEnabled=false"))
	}
	return opts
}

// Close shuts down the allocator. Sessions still open become invalid.
func (p *Provider) Close() {
	p.allocCancel()
}

// Open implements scraper.SessionProvider.
func (p *Provider) Open(ctx context.Context) (scraper.Session, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	tab, cancel := chromedp.NewContext(p.allocator)

	// The first Run starts the browser and binds it to tab, so it must not run
	// under a derived timeout.
	stopForward := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tab, p.setupAction())
	stopForward()
	if err != nil {
		cancel()
		p.release()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("open session: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", scraper.ErrSessionInit, err)
	}
	p.logger.Debug("browser session opened")
	return newSession(tab, cancel, p.cfg, p.release), nil
}

func (p *Provider) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (p *Provider) acquire(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	select {
	case p.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session slot wait canceled: %w", ctx.Err())
	}
}

func (p *Provider) release() {
	if p.limiter == nil {
		return
	}
	select {
	case <-p.limiter:
	default:
	}
}

// bindContext derives a run context from the tab that also ends when the
// caller's ctx does. Canceling it stops the action but keeps the tab open.
func bindContext(caller, tab context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(tab, timeout)
	stopForward := context.AfterFunc(caller, cancel)
	return runCtx, func() {
		stopForward()
		cancel()
	}
}

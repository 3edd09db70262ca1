// Package app builds the long-lived services a scrape run reports to: run
// history, artifact archives, the completion publisher, the progress hub and
// the status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/api"
	"github.com/JakeFAU/jobboard-scraper/internal/config"
	"github.com/JakeFAU/jobboard-scraper/internal/metrics"
	"github.com/JakeFAU/jobboard-scraper/internal/pipeline"
	"github.com/JakeFAU/jobboard-scraper/internal/progress"
	"github.com/JakeFAU/jobboard-scraper/internal/progress/sinks"
	"github.com/JakeFAU/jobboard-scraper/internal/publisher"
	pubsubpublisher "github.com/JakeFAU/jobboard-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/jobboard-scraper/internal/storage"
	"github.com/JakeFAU/jobboard-scraper/internal/storage/gcs"
	"github.com/JakeFAU/jobboard-scraper/internal/storage/local"
	"github.com/JakeFAU/jobboard-scraper/internal/storage/postgres"
	"github.com/JakeFAU/jobboard-scraper/internal/store"
)

const shutdownTimeout = 10 * time.Second

// History is the optional run history backend.
type History struct {
	Runs     store.RunRepository
	Listings pipeline.ListingSink
	Close    func()
}

// Bucket is an object store that owns a client.
type Bucket interface {
	storage.ObjectStore
	Close() error
}

// Notifier is a publisher that owns a client.
type Notifier interface {
	publisher.Publisher
	Close() error
}

// Factories open the cloud-backed services. Tests swap them for fakes.
type Factories struct {
	OpenHistory   func(ctx context.Context, cfg config.DBConfig) (History, error)
	OpenBucket    func(ctx context.Context, bucket string) (Bucket, error)
	OpenPublisher func(ctx context.Context, cfg config.PubSubConfig) (Notifier, error)
	// Listen opens the status server listener.
	Listen func(addr string) (net.Listener, error)
}

// DefaultFactories connects to Postgres, GCS, Pub/Sub and a TCP port.
func DefaultFactories() Factories {
	return Factories{
		OpenHistory:   openPostgresHistory,
		OpenBucket:    openGCSBucket,
		OpenPublisher: openPubSub,
		Listen: func(addr string) (net.Listener, error) {
			return net.Listen("tcp", addr)
		},
	}
}

// App holds the services shared by one CLI invocation.
type App struct {
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Runs      store.RunRepository
	Listings  pipeline.ListingSink
	Archiver  *storage.Archiver
	Publisher publisher.Publisher
	Live      *api.RunTracker
	Hub       *progress.Hub

	server   *http.Server
	serveErr chan error
	addr     string
	closers  []func()
}

// New builds every service cfg enables. It fails fast and releases whatever
// it already opened when one of them cannot start.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, f Factories) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Live:     api.NewRunTracker(),
	}
	if err := a.init(ctx, cfg, f); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, cfg config.Config, f Factories) error {
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.DB.DSN != "" {
		if f.OpenHistory == nil {
			return errors.New("run history factory is not configured")
		}
		h, err := f.OpenHistory(ctx, cfg.DB)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		a.Runs, a.Listings = h.Runs, h.Listings
		if h.Close != nil {
			a.closers = append(a.closers, h.Close)
		}
		a.Logger.Info("run history enabled")
	}

	var stores []storage.ObjectStore
	if cfg.Storage.ArchiveDir != "" {
		dir, err := local.New(local.Config{BaseDir: cfg.Storage.ArchiveDir})
		if err != nil {
			return fmt.Errorf("open archive dir: %w", err)
		}
		stores = append(stores, dir)
	}
	if cfg.Storage.GCSBucket != "" {
		if f.OpenBucket == nil {
			return errors.New("bucket factory is not configured")
		}
		b, err := f.OpenBucket(ctx, cfg.Storage.GCSBucket)
		if err != nil {
			return fmt.Errorf("open bucket: %w", err)
		}
		a.closers = append(a.closers, a.closeQuietly("bucket", b.Close))
		stores = append(stores, b)
		a.Logger.Info("artifact upload enabled", zap.String("bucket", cfg.Storage.GCSBucket))
	}
	a.Archiver = storage.NewArchiver(cfg.Storage.Prefix, a.Logger, stores...)

	if cfg.PubSub.Topic != "" {
		if f.OpenPublisher == nil {
			return errors.New("publisher factory is not configured")
		}
		p, err := f.OpenPublisher(ctx, cfg.PubSub)
		if err != nil {
			return fmt.Errorf("open publisher: %w", err)
		}
		a.Publisher = p
		a.closers = append(a.closers, a.closeQuietly("publisher", p.Close))
		a.Logger.Info("run notices enabled", zap.String("topic", cfg.PubSub.Topic))
	}

	progressSink, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.Logger.Named("progress")), progressSink, a.Live}
	if a.Runs != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.Runs, a.Logger))
	}
	a.Hub = progress.NewHub(progress.Config{
		Buffer:     cfg.Progress.BufferSize,
		BatchSize:  cfg.Progress.MaxBatchEvents,
		FlushEvery: cfg.Progress.MaxBatchWait,
		Logger:     a.Logger,
	}, hubSinks...)

	if cfg.Server.Enabled {
		if err := a.serve(cfg.Server.Port, f.Listen); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) serve(port int, listen func(string) (net.Listener, error)) error {
	if listen == nil {
		return errors.New("listener factory is not configured")
	}
	httpMetrics, err := metrics.NewHTTP(a.Registry)
	if err != nil {
		return fmt.Errorf("register http metrics: %w", err)
	}
	srv := api.NewServer(api.Deps{
		Runs:     a.Runs,
		Live:     a.Live,
		Gatherer: a.Registry,
		HTTP:     httpMetrics,
	}, a.Logger.Named("api"))

	ln, err := listen(net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	a.addr = ln.Addr().String()
	a.server = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.serveErr = make(chan error, 1)
	go func() {
		a.Logger.Info("status server started", zap.String("addr", a.addr))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("status server error", zap.Error(err))
			a.serveErr <- err
		}
		close(a.serveErr)
	}()
	srv.MarkReady()
	return nil
}

// Addr is the status server's listen address, or "" when it is disabled.
func (a *App) Addr() string {
	return a.addr
}

// Close flushes pending progress events, stops the status server and
// releases every client, in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.server != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown status server: %w", err))
		}
		for range a.serveErr {
		}
	}
	a.release()
	return errors.Join(errs...)
}

func (a *App) release() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) closeQuietly(name string, fn func() error) func() {
	return func() {
		if err := fn(); err != nil {
			a.Logger.Warn("close failed", zap.String("service", name), zap.Error(err))
		}
	}
}

func openPostgresHistory(ctx context.Context, cfg config.DBConfig) (History, error) {
	runs, err := postgres.Open(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
	if err != nil {
		return History{}, err
	}
	if err := runs.EnsureSchema(ctx); err != nil {
		runs.Close()
		return History{}, err
	}
	listings, err := runs.Listings(cfg.ListingTable)
	if err != nil {
		runs.Close()
		return History{}, err
	}
	if err := listings.EnsureSchema(ctx); err != nil {
		runs.Close()
		return History{}, err
	}
	return History{Runs: runs, Listings: listings, Close: runs.Close}, nil
}

func openGCSBucket(ctx context.Context, bucket string) (Bucket, error) {
	return gcs.Open(ctx, gcs.Config{Bucket: bucket})
}

func openPubSub(ctx context.Context, cfg config.PubSubConfig) (Notifier, error) {
	return pubsubpublisher.Open(ctx, cfg.ProjectID, cfg.Topic)
}

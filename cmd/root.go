// Package cmd defines the jobscraper command tree.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/app"
	"github.com/JakeFAU/jobboard-scraper/internal/logging"
)

// rootOptions carries persistent flags and injectable factories to every
// subcommand.
type rootOptions struct {
	configPath string
	factories  app.Factories
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobscraper",
		Short: "Scrapes job board listings into a resumable spreadsheet.",
		Long: `jobscraper walks a job board's search results with a pool of headless
browser sessions, extracts each listing, optionally looks up the employer's
phone number, and merges accepted listings into an xlsx file. Interrupted
runs resume from the side-car progress ledger next to the output.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML); env vars use the JOBSCRAPER_ prefix")

	cmd.AddCommand(newScrapeCmd(opts))
	cmd.AddCommand(newCacheCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the root command with a context canceled on SIGINT or SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(&rootOptions{factories: app.DefaultFactories()}).ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	logger, lerr := logging.New(false)
	if lerr != nil {
		logger = zap.NewExample()
	}
	logger.Fatal("command failed", zap.Error(err))
}

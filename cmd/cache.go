package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-scraper/internal/config"
	"github.com/JakeFAU/jobboard-scraper/internal/enrich"
)

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspects or clears the employer phone cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Prints cache entry counts as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := openCache(opts)
			if err != nil {
				return err
			}
			out := struct {
				Path string `json:"path"`
				enrich.CacheStats
			}{Path: cache.Path(), CacheStats: cache.Stats()}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Removes every cached lookup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := openCache(opts)
			if err != nil {
				return err
			}
			removed := cache.Stats().Total
			if err := cache.Clear(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d entries from %s\n", removed, cache.Path())
			return err
		},
	})
	return cmd
}

func openCache(opts *rootOptions) (*enrich.Cache, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cache, err := enrich.OpenCache(cfg.Enrich.CachePath, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("open phone cache: %w", err)
	}
	return cache, nil
}

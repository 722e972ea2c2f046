// File: cmd/cache.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/locator"
	"github.com/xkilldash9x/autoheal/internal/observability"
	"github.com/xkilldash9x/autoheal/internal/service"
)

var errNoDurableStore = errors.New("no durable cache store is configured")

type cacheStatus struct {
	Store          string `json:"store"`
	DurableEntries int    `json:"durable_entries"`
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the durable selector cache.",
	}
	cmd.AddCommand(newCacheStatsCmd(), newCachePurgeCmd(), newCacheInvalidateCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many healed selectors the durable store holds.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd)
			return withDurableCache(cmd.Context(), cfg, func(c *cache.Cache) error {
				n, err := c.DurableLen(cmd.Context())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), cacheStatus{Store: cfg.Cache.Store.Type, DurableEntries: n})
			})
		},
	}
}

func newCachePurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every healed selector.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDurableCache(cmd.Context(), configFrom(cmd), func(c *cache.Cache) error {
				if err := c.Clear(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "Selector cache purged.")
				return err
			})
		},
	}
}

func newCacheInvalidateCmd() *cobra.Command {
	var hint, description, tag string

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Forget the healed selector for one hint and description.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := locator.Parse(hint)
			if err != nil {
				return err
			}
			fp := cache.Fingerprint(d, description, tag)
			return withDurableCache(cmd.Context(), configFrom(cmd), func(c *cache.Cache) error {
				if err := c.Invalidate(cmd.Context(), fp); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %s\n", fp)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&hint, "hint", "", "locator hint the entry was healed from")
	cmd.Flags().StringVar(&description, "description", "", "element description the entry was healed for")
	cmd.Flags().StringVar(&tag, "tag", "", "context tag the entry was stored under")
	_ = cmd.MarkFlagRequired("hint")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

// withDurableCache opens the configured cache for the duration of fn. Only the durable tier
// outlives a CLI process, so a store is required.
func withDurableCache(ctx context.Context, cfg *config.Config, fn func(c *cache.Cache) error) error {
	if cfg.Cache.Store.Type == "" || cfg.Cache.Store.Type == config.StoreNone {
		return errNoDurableStore
	}
	cacheCfg := cfg.Cache
	cacheCfg.Enabled = true

	logger := observability.GetLogger()
	c, err := service.InitializeCache(ctx, cacheCfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Error closing cache store.", zap.Error(err))
		}
	}()
	return fn(c)
}

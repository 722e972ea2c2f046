// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/driver/cdpdriver"
	"github.com/xkilldash9x/autoheal/internal/driver/htmldriver"
	"github.com/xkilldash9x/autoheal/internal/driver/pwdriver"
	"github.com/xkilldash9x/autoheal/internal/llmclient"
	"github.com/xkilldash9x/autoheal/internal/observability"
	"github.com/xkilldash9x/autoheal/internal/store"
)

// Target is the page a session resolves against. HTML is used by the static driver; the
// browser drivers navigate to URL.
type Target struct {
	URL  string
	HTML string
}

// ErrNoPageContent is returned when the static driver is selected without a document.
var ErrNoPageContent = errors.New("the html driver needs page content")

// InitializeDriver opens the driver selected by cfg.Driver. The returned function releases it
// and is never nil.
func InitializeDriver(ctx context.Context, cfg config.BrowserConfig, target Target, logger *zap.Logger) (schemas.Driver, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(cfg.Driver) {
	case config.DriverHTML:
		if strings.TrimSpace(target.HTML) == "" {
			return nil, noop, ErrNoPageContent
		}
		d, err := htmldriver.NewFromString(target.HTML,
			htmldriver.WithTestIDAttribute(cfg.TestIDAttribute),
			htmldriver.WithLogger(logger))
		if err != nil {
			return nil, noop, fmt.Errorf("failed to parse page: %w", err)
		}
		logger.Info("Static HTML driver initialized.", zap.Int("bytes", len(target.HTML)))
		return d, noop, nil

	case config.DriverPlaywright, "":
		m := pwdriver.NewManager(cfg, logger)
		d, err := m.Open(ctx, target.URL)
		if err != nil {
			if shutdownErr := m.Shutdown(); shutdownErr != nil {
				logger.Warn("Error shutting down Playwright after failed open.", zap.Error(shutdownErr))
			}
			return nil, noop, fmt.Errorf("failed to open page with playwright: %w", err)
		}
		logger.Info("Playwright driver initialized.", zap.String("url", target.URL))
		return d, m.Shutdown, nil

	case config.DriverCDP:
		d, err := cdpdriver.Launch(ctx, cfg, target.URL, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open page with chromedp: %w", err)
		}
		logger.Info("Chrome DevTools driver initialized.", zap.String("url", target.URL))
		return d, d.Close, nil
	}
	return nil, noop, fmt.Errorf("unsupported driver %q", cfg.Driver)
}

// InitializeMetrics creates a private registry and the collectors on it, or returns nils when
// metrics are disabled.
func InitializeMetrics(cfg config.MetricsConfig) (*observability.Metrics, *prometheus.Registry) {
	if !cfg.Enabled {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	return observability.NewMetrics(cfg.Namespace, reg), reg
}

// InitializeCache builds the two-tier selector cache. It returns nil when caching is disabled.
func InitializeCache(ctx context.Context, cfg config.CacheConfig, metrics *observability.Metrics, logger *zap.Logger) (*cache.Cache, error) {
	if !cfg.Enabled {
		logger.Info("Selector cache disabled.")
		return nil, nil
	}
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cache store: %w", cfg.Store.Type, err)
	}
	c, err := cache.New(cfg, st, logger, cache.WithMetrics(metrics))
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, fmt.Errorf("failed to create selector cache: %w", err)
	}
	logger.Debug("Selector cache initialized.", zap.String("store", cfg.Store.Type), zap.Int("maximum_size", cfg.MaximumSize))
	return c, nil
}

// InitializeAIClient creates the configured backend wrapped in the resilience guard.
func InitializeAIClient(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (*aiclient.Client, error) {
	backend, err := llmclient.NewBackend(ctx, cfg.AI, cfg.Engine.MaxCandidates, logger)
	if err != nil {
		logger.Error("Failed to initialize AI backend. Healing will be unavailable.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize AI backend: %w", err)
	}
	return aiclient.New(backend, cfg.Resilience, logger,
		aiclient.WithMetrics(metrics),
		aiclient.WithCost(cfg.AI.Cost)), nil
}

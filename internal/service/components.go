// File: internal/service/components.go
package service

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/aiclient"
	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/engine"
	"github.com/xkilldash9x/autoheal/internal/observability"
)

// Components holds everything a resolution session needs and owns their lifecycle.
type Components struct {
	Engine  *engine.Engine
	Driver  schemas.Driver
	Cache   *cache.Cache
	AI      *aiclient.Client
	Metrics *observability.Metrics
	// Registry is set when metrics are enabled.
	Registry *prometheus.Registry

	// closeDriver releases the browser or page behind Driver.
	closeDriver func() error
	logger      *zap.Logger
	once        sync.Once
}

// Shutdown releases the components in reverse order of creation. It is safe to call on a
// partially built value and more than once.
func (c *Components) Shutdown() {
	c.once.Do(func() {
		logger := c.logger
		if logger == nil {
			logger = observability.GetLogger()
		}
		logger.Debug("Beginning components shutdown sequence.")

		// 1. Stop the engine first so no resolution touches the driver or cache afterwards.
		if c.Engine != nil {
			if err := c.Engine.Close(); err != nil {
				logger.Warn("Error stopping resolution engine.", zap.Error(err))
			}
			logger.Debug("Resolution engine stopped.")
		}

		// 2. Release the browser.
		if c.closeDriver != nil {
			if err := c.closeDriver(); err != nil {
				logger.Warn("Error closing driver.", zap.Error(err))
			} else {
				logger.Debug("Driver closed.")
			}
		}

		// 3. Close the durable cache tier.
		if c.Cache != nil {
			if err := c.Cache.Close(); err != nil {
				logger.Warn("Error closing cache store.", zap.Error(err))
			} else {
				logger.Debug("Cache store closed.")
			}
		}

		logger.Info("All components shut down.")
	})
}

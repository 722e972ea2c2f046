// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/engine"
)

// ComponentFactory creates the components of a resolution session. Commands depend on the
// interface so tests can substitute their own.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, target Target, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires driver, metrics, cache, AI client and engine, in that order.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, target Target, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Driver
	drv, closeDriver, err := InitializeDriver(ctx, cfg.Browser, target, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Driver = drv
	components.closeDriver = closeDriver

	// 2. Metrics
	components.Metrics, components.Registry = InitializeMetrics(cfg.Metrics)

	// 3. Cache
	c, err := InitializeCache(ctx, cfg.Cache, components.Metrics, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Cache = c

	// 4. AI client
	ai, err := InitializeAIClient(ctx, cfg, components.Metrics, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.AI = ai

	// 5. Engine
	e, err := engine.New(cfg.Engine, drv, ai, c, logger, engine.WithMetrics(components.Metrics))
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize resolution engine: %w", err)
		return nil, initializationErr
	}
	components.Engine = e

	logger.Info("All components initialized successfully.",
		zap.String("driver", cfg.Browser.Driver),
		zap.String("backend", ai.Name()))
	return components, nil
}

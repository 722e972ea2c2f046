package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/config"
)

func staticConfig(t *testing.T) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Browser.Driver = config.DriverHTML
	cfg.Cache.Store.Type = config.StoreFile
	cfg.Cache.Store.File.Path = filepath.Join(t.TempDir(), "selectors.json")
	cfg.Metrics.Namespace = "autoheal_factory_test"
	return cfg
}

func TestCreate(t *testing.T) {
	cfg := staticConfig(t)
	ctx := context.Background()

	components, err := NewComponentFactory().Create(ctx, cfg, Target{HTML: testPage}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(components.Shutdown)

	require.NotNil(t, components.Engine)
	require.NotNil(t, components.Cache)
	require.NotNil(t, components.Registry)

	res, err := components.Engine.ResolveDetailed(ctx, `input[data-test='old-login']`, "Login button")
	require.NoError(t, err)
	assert.Equal(t, schemas.SourceStructural, res.Source)

	n, err := components.Cache.DurableLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "healed selector should reach the file store")

	families, err := components.Registry.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "autoheal_factory_test_engine_resolutions_total")
}

func TestCreate_ValidationErrors(t *testing.T) {
	factory := NewComponentFactory()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("NilConfig", func(t *testing.T) {
		_, err := factory.Create(ctx, nil, Target{}, logger)
		assert.Error(t, err)
	})

	t.Run("MissingPageContent", func(t *testing.T) {
		_, err := factory.Create(ctx, staticConfig(t), Target{}, logger)
		assert.ErrorIs(t, err, ErrNoPageContent)
	})

	t.Run("UnknownProvider", func(t *testing.T) {
		cfg := staticConfig(t)
		cfg.AI.Provider = "carrier-pigeon"

		_, err := factory.Create(ctx, cfg, Target{HTML: testPage}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AI backend")
	})
}

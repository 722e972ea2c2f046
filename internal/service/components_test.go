package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autoheal/internal/cache"
	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/mocks"
)

func TestComponents_Shutdown(t *testing.T) {
	var order []string
	store := new(mocks.MockStore)
	store.On("Close").Run(func(mock.Arguments) { order = append(order, "store") }).Return(nil).Once()

	c, err := cache.New(config.NewDefaultConfig().Cache, store, zaptest.NewLogger(t))
	require.NoError(t, err)

	components := &Components{
		Cache: c,
		closeDriver: func() error {
			order = append(order, "driver")
			return nil
		},
		logger: zaptest.NewLogger(t),
	}

	components.Shutdown()
	components.Shutdown()

	assert.Equal(t, []string{"driver", "store"}, order)
	store.AssertExpectations(t)
}

func TestComponents_ShutdownLogsErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	components := &Components{
		closeDriver: func() error { return errors.New("browser already gone") },
		logger:      zap.New(core),
	}

	components.Shutdown()

	entries := logs.FilterMessage("Error closing driver.").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "browser already gone", entries[0].ContextMap()["error"])
}

func TestComponents_ShutdownEmpty(t *testing.T) {
	assert.NotPanics(t, func() {
		(&Components{logger: zaptest.NewLogger(t)}).Shutdown()
	})
}

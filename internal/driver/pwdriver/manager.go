// internal/driver/pwdriver/manager.go
package pwdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/internal/config"
)

const (
	playwrightInstallTimeout = 5 * time.Minute
	launchTimeoutMillis      = 60000
)

// Manager owns the Playwright driver process and one browser. Pages opened through it are
// wrapped as Drivers.
type Manager struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	cfg     config.BrowserConfig
	logger  *zap.Logger

	mu      sync.Mutex
	drivers map[*Driver]struct{}

	initOnce sync.Once
	initErr  error
}

// NewManager creates a manager. The browser is launched on the first Open.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("pw_manager"),
		drivers: make(map[*Driver]struct{}),
	}
}

func (m *Manager) initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.logger.Info("Initializing Playwright and launching browser...")

		if err := m.ensureInstallation(ctx); err != nil {
			m.initErr = err
			return
		}

		pw, err := playwright.Run()
		if err != nil {
			m.initErr = fmt.Errorf("failed to start playwright driver: %w", err)
			return
		}
		if m.cfg.TestIDAttribute != "" {
			pw.Selectors.SetTestIdAttribute(m.cfg.TestIDAttribute)
		}

		browser, err := pw.Chromium.Launch(m.launchOptions())
		if err != nil {
			pw.Stop()
			m.initErr = fmt.Errorf("failed to launch browser instance: %w", err)
			return
		}
		m.pw, m.browser = pw, browser
		m.logger.Info("Browser launched.", zap.String("browser_version", browser.Version()))
	})
	return m.initErr
}

func (m *Manager) ensureInstallation(ctx context.Context) error {
	installCtx, cancel := context.WithTimeout(ctx, playwrightInstallTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to install playwright browsers: %w", err)
		}
		return nil
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for Playwright installation: %w", installCtx.Err())
	}
}

func (m *Manager) launchOptions() playwright.BrowserTypeLaunchOptions {
	args := []string{"--disable-gpu", "--no-sandbox", "--disable-dev-shm-usage"}
	return playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(m.cfg.Headless),
		Args:     append(args, m.cfg.Args...),
		Timeout:  playwright.Float(launchTimeoutMillis),
	}
}

// Open creates a page, navigates it to url and returns a Driver over it. An empty url leaves the
// page blank.
func (m *Manager) Open(ctx context.Context, url string) (*Driver, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}
	page, err := m.browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	if url != "" {
		opts := playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded}
		if m.cfg.NavigationTimeout > 0 {
			opts.Timeout = playwright.Float(float64(m.cfg.NavigationTimeout.Milliseconds()))
		}
		if _, err := page.Goto(url, opts); err != nil {
			page.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
		}
	}

	d := New(page, m.logger)
	d.onClose = func() {
		m.mu.Lock()
		delete(m.drivers, d)
		m.mu.Unlock()
	}
	m.mu.Lock()
	m.drivers[d] = struct{}{}
	m.mu.Unlock()
	m.logger.Debug("Page opened.", zap.String("url", url))
	return d, nil
}

// Shutdown closes every open page, the browser and the Playwright driver.
func (m *Manager) Shutdown() error {
	if m.pw == nil {
		m.logger.Info("Manager not initialized, nothing to shut down.")
		return nil
	}

	m.mu.Lock()
	open := make([]*Driver, 0, len(m.drivers))
	for d := range m.drivers {
		open = append(open, d)
	}
	m.mu.Unlock()
	for _, d := range open {
		if err := d.Close(); err != nil {
			m.logger.Warn("Error closing page during shutdown.", zap.Error(err))
		}
	}

	var shutdownErr error
	if err := m.browser.Close(); err != nil {
		m.logger.Error("Failed to close browser instance.", zap.Error(err))
		shutdownErr = fmt.Errorf("failed to close browser: %w", err)
	}
	if err := m.pw.Stop(); err != nil {
		m.logger.Error("Failed to stop Playwright driver.", zap.Error(err))
		if shutdownErr == nil {
			shutdownErr = fmt.Errorf("failed to stop playwright driver: %w", err)
		}
	}
	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}

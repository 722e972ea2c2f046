// internal/driver/cdpdriver/browser.go
package cdpdriver

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/internal/config"
)

// execOptions translates the browser config into chromedp allocator options.
func execOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimPrefix(arg, "--")
		if key, value, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(key, value))
			continue
		}
		opts = append(opts, chromedp.Flag(arg, true))
	}
	return opts
}

// Launch starts a browser, opens a tab on url and returns a Driver for it. Close on the driver
// shuts the browser down.
func Launch(ctx context.Context, cfg config.BrowserConfig, url string, logger *zap.Logger, opts ...Option) (*Driver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOptions(cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	var actions []chromedp.Action
	if url != "" {
		actions = append(actions, chromedp.Navigate(url))
	}
	runCtx, runCancel := combineContext(tabCtx, ctx)
	defer runCancel()
	if cfg.NavigationTimeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, cfg.NavigationTimeout)
		defer timeoutCancel()
	}

	// Run with no actions still starts the browser and attaches to the tab.
	if err := chromedp.Run(runCtx, actions...); err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to start browser tab: %w", err)
	}

	if cfg.TestIDAttribute != "" {
		opts = append([]Option{WithTestIDAttribute(cfg.TestIDAttribute)}, opts...)
	}
	d := New(tabCtx, logger, opts...)
	d.release = cancel
	return d, nil
}

// combineContext derives from primary, which carries the CDP target, and is also canceled when
// secondary ends.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

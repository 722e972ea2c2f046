// Package pwdriver resolves locator descriptors against a live page through Playwright. Descriptors
// become native getBy* locator chains, so matching semantics are Playwright's own.
package pwdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/driver"
	"github.com/xkilldash9x/autoheal/internal/locator"
)

// ErrPageClosed is returned once the driver's page is gone.
var ErrPageClosed = errors.New("playwright page is closed")

// Handle is one element of a resolved locator.
type Handle struct {
	loc      playwright.Locator
	selector string
	index    int
}

func (h *Handle) Selector() string { return h.selector }
func (h *Handle) Index() int       { return h.index }

// Locator returns the native locator pinned to this element, for acting on it.
func (h *Handle) Locator() playwright.Locator { return h.loc }

// Driver implements schemas.Driver over a Playwright page.
type Driver struct {
	page   playwright.Page
	logger *zap.Logger

	closeOnce sync.Once
	onClose   func()
}

// New wraps an existing page.
func New(page playwright.Page, logger *zap.Logger) *Driver {
	return &Driver{page: page, logger: logger.Named("pwdriver")}
}

// Page returns the underlying page.
func (d *Driver) Page() playwright.Page { return d.page }

func (d *Driver) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.page == nil || d.page.IsClosed() {
		return ErrPageClosed
	}
	return nil
}

// compile parses selector and turns it into a native locator.
func (d *Driver) compile(selector string) (playwright.Locator, error) {
	desc, err := locator.Parse(selector)
	if err != nil {
		return nil, err
	}
	return build(pageFinder{page: d.page}, desc)
}

// TryResolve returns every element currently matching selector. It does not wait for elements
// to appear.
func (d *Driver) TryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	if err := d.usable(ctx); err != nil {
		return nil, err
	}
	loc, err := d.compile(selector)
	if err != nil {
		return nil, err
	}

	all, err := loc.All()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to query %q: %w", selector, err)
	}
	handles := make([]schemas.ElementHandle, len(all))
	for i, l := range all {
		handles[i] = &Handle{loc: l, selector: selector, index: i}
	}
	return handles, nil
}

// PageStructureSnapshot returns the page HTML, or the outer HTML of every element matching scope.
func (d *Driver) PageStructureSnapshot(ctx context.Context, scope string) (string, error) {
	if err := d.usable(ctx); err != nil {
		return "", err
	}
	if scope == "" {
		content, err := d.page.Content()
		if err != nil {
			return "", d.fail(ctx, "reading page content", err)
		}
		return content, nil
	}

	loc, err := d.compile(scope)
	if err != nil {
		return "", err
	}
	all, err := loc.All()
	if err != nil {
		return "", d.fail(ctx, "querying snapshot scope", err)
	}
	var b strings.Builder
	for _, l := range all {
		v, err := l.Evaluate(driver.OuterHTMLScript, nil, playwright.LocatorEvaluateOptions{Timeout: timeoutMillis(ctx)})
		if err != nil {
			return "", d.fail(ctx, "reading outer HTML", err)
		}
		s, _ := v.(string)
		b.WriteString(s)
	}
	return b.String(), nil
}

// Screenshot captures the viewport, or the first element matching scope, as PNG.
func (d *Driver) Screenshot(ctx context.Context, scope string) ([]byte, error) {
	if err := d.usable(ctx); err != nil {
		return nil, err
	}
	if scope == "" {
		png, err := d.page.Screenshot(playwright.PageScreenshotOptions{
			Type:    playwright.ScreenshotTypePng,
			Timeout: timeoutMillis(ctx),
		})
		if err != nil {
			return nil, d.fail(ctx, "capturing page screenshot", err)
		}
		return png, nil
	}

	loc, err := d.compile(scope)
	if err != nil {
		return nil, err
	}
	png, err := loc.First().Screenshot(playwright.LocatorScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: timeoutMillis(ctx),
	})
	if err != nil {
		return nil, d.fail(ctx, "capturing element screenshot", err)
	}
	return png, nil
}

// Describe summarizes the element behind h.
func (d *Driver) Describe(ctx context.Context, h schemas.ElementHandle) (schemas.ElementSummary, error) {
	if err := d.usable(ctx); err != nil {
		return schemas.ElementSummary{}, err
	}
	hh, ok := h.(*Handle)
	if !ok {
		return schemas.ElementSummary{}, fmt.Errorf("handle of type %T does not belong to the playwright driver", h)
	}
	v, err := hh.loc.Evaluate(driver.DescribeScript, nil, playwright.LocatorEvaluateOptions{Timeout: timeoutMillis(ctx)})
	if err != nil {
		return schemas.ElementSummary{}, d.fail(ctx, "describing element", err)
	}
	info, err := driver.DecodeElementInfo(v)
	if err != nil {
		return schemas.ElementSummary{}, err
	}
	return info.Summary(), nil
}

// DescribeNativeLocator accepts selector strings, descriptors, fmt.Stringer values and handles
// from this driver. Playwright locators do not expose their selector and are rejected.
func (d *Driver) DescribeNativeLocator(native any) (string, error) {
	switch v := native.(type) {
	case string:
		return v, nil
	case locator.Descriptor:
		return locator.Canonical(v), nil
	case *Handle:
		return v.selector, nil
	case playwright.Locator:
		return "", errors.New("playwright.Locator does not expose its selector; pass the selector string instead")
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", fmt.Errorf("unsupported native locator type %T", native)
}

// Close closes the page.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.page != nil && !d.page.IsClosed() {
			err = d.page.Close()
		}
		if d.onClose != nil {
			d.onClose()
		}
	})
	return err
}

// fail prefers the context error when the context ended during a Playwright call.
func (d *Driver) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.logger.Debug("Playwright call failed.", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

// timeoutMillis converts the context deadline into a Playwright timeout. Without a deadline
// Playwright's default applies.
func timeoutMillis(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

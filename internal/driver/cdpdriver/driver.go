// Package cdpdriver resolves locator descriptors over the Chrome DevTools Protocol with chromedp.
// CSS and XPath run natively in the page. The getBy* kinds are evaluated on the live document's
// HTML by the static driver and mapped back to live nodes by XPath.
package cdpdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/driver"
	"github.com/xkilldash9x/autoheal/internal/driver/htmldriver"
	"github.com/xkilldash9x/autoheal/internal/locator"
)

// Handle is a live DOM node.
type Handle struct {
	node     *cdp.Node
	selector string
	index    int
}

func (h *Handle) Selector() string { return h.selector }
func (h *Handle) Index() int       { return h.index }

// Node returns the CDP node.
func (h *Handle) Node() *cdp.Node { return h.node }

// Driver implements schemas.Driver over a chromedp tab context.
type Driver struct {
	tab        context.Context
	testIDAttr string
	logger     *zap.Logger

	closeOnce sync.Once
	release   func()
}

// Option customizes a Driver.
type Option func(*Driver)

// WithTestIDAttribute sets the attribute getByTestId matches.
func WithTestIDAttribute(attr string) Option {
	return func(d *Driver) { d.testIDAttr = attr }
}

// New wraps a chromedp context that is already attached to a tab.
func New(tab context.Context, logger *zap.Logger, opts ...Option) *Driver {
	d := &Driver{tab: tab, testIDAttr: "data-testid", logger: logger.Named("cdpdriver")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run executes actions against the tab, bounded by ctx.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := combineContext(d.tab, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// TryResolve returns every live node matching selector, in document order.
func (d *Driver) TryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	desc, err := locator.Parse(selector)
	if err != nil {
		return nil, err
	}
	nodes, err := d.nodes(ctx, desc)
	if err != nil {
		return nil, err
	}
	handles := make([]schemas.ElementHandle, len(nodes))
	for i, n := range nodes {
		handles[i] = &Handle{node: n, selector: selector, index: i}
	}
	return handles, nil
}

func (d *Driver) nodes(ctx context.Context, desc locator.Descriptor) ([]*cdp.Node, error) {
	if desc.IsStructural() {
		by := chromedp.ByQueryAll
		expr := desc.Value.Text
		if desc.Kind == locator.KindXPath {
			by = chromedp.BySearch
			expr = strings.TrimPrefix(expr, "xpath=")
		}
		return d.query(ctx, expr, by)
	}
	return d.viaStaticDocument(ctx, desc)
}

func (d *Driver) query(ctx context.Context, expr string, by chromedp.QueryOption) ([]*cdp.Node, error) {
	var nodes []*cdp.Node
	if err := d.run(ctx, chromedp.Nodes(expr, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", expr, err)
	}
	return nodes, nil
}

// viaStaticDocument evaluates desc on the serialized live DOM and locates each match in the tab.
func (d *Driver) viaStaticDocument(ctx context.Context, desc locator.Descriptor) ([]*cdp.Node, error) {
	var doc string
	if err := d.run(ctx, chromedp.OuterHTML("html", &doc, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	static, err := htmldriver.NewFromString(doc, htmldriver.WithTestIDAttribute(d.testIDAttr))
	if err != nil {
		return nil, err
	}
	matches, err := static.TryResolve(ctx, locator.Canonical(desc))
	if err != nil {
		return nil, err
	}

	nodes := make([]*cdp.Node, 0, len(matches))
	for _, m := range matches {
		xpath, err := static.DescribeNativeLocator(m.(*htmldriver.Handle).Node())
		if err != nil {
			return nil, err
		}
		found, err := d.query(ctx, xpath, chromedp.BySearch)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			d.logger.Debug("Static match has no live counterpart.", zap.String("xpath", xpath))
			continue
		}
		nodes = append(nodes, found[0])
	}
	return nodes, nil
}

// PageStructureSnapshot returns the document HTML, or the outer HTML of the nodes matching scope.
func (d *Driver) PageStructureSnapshot(ctx context.Context, scope string) (string, error) {
	if scope == "" {
		var doc string
		if err := d.run(ctx, chromedp.OuterHTML("html", &doc, chromedp.ByQuery)); err != nil {
			return "", fmt.Errorf("failed to read document: %w", err)
		}
		return doc, nil
	}

	desc, err := locator.Parse(scope)
	if err != nil {
		return "", err
	}
	nodes, err := d.nodes(ctx, desc)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, n := range nodes {
		var outer string
		err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			outer, err = dom.GetOuterHTML().WithBackendNodeID(n.BackendNodeID).Do(ctx)
			return err
		}))
		if err != nil {
			return "", fmt.Errorf("failed to read outer HTML: %w", err)
		}
		b.WriteString(outer)
	}
	return b.String(), nil
}

// Screenshot captures the viewport, or the first node matching scope, as PNG.
func (d *Driver) Screenshot(ctx context.Context, scope string) ([]byte, error) {
	var buf []byte
	if scope == "" {
		if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return nil, fmt.Errorf("failed to capture screenshot: %w", err)
		}
		return buf, nil
	}

	desc, err := locator.Parse(scope)
	if err != nil {
		return nil, err
	}
	nodes, err := d.nodes(ctx, desc)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("screenshot scope %q matched no elements", scope)
	}
	ids := []cdp.NodeID{nodes[0].NodeID}
	if err := d.run(ctx, chromedp.Screenshot(ids, &buf, chromedp.ByNodeID)); err != nil {
		return nil, fmt.Errorf("failed to capture element screenshot: %w", err)
	}
	return buf, nil
}

// Describe summarizes the node behind h with one Runtime.callFunctionOn.
func (d *Driver) Describe(ctx context.Context, h schemas.ElementHandle) (schemas.ElementSummary, error) {
	hh, ok := h.(*Handle)
	if !ok {
		return schemas.ElementSummary{}, fmt.Errorf("handle of type %T does not belong to the CDP driver", h)
	}

	var info driver.ElementInfo
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(hh.node.BackendNodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolving node: %w", err)
		}
		defer runtime.ReleaseObject(obj.ObjectID).Do(ctx)

		res, exc, err := runtime.CallFunctionOn(driver.AsMethod(driver.DescribeScript)).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("describe script threw: %s", exc.Text)
		}
		info, err = driver.DecodeElementJSON(res.Value)
		return err
	}))
	if err != nil {
		return schemas.ElementSummary{}, err
	}
	return info.Summary(), nil
}

// DescribeNativeLocator accepts selector strings, descriptors, handles from this driver and
// *cdp.Node values, which are described by their XPath.
func (d *Driver) DescribeNativeLocator(native any) (string, error) {
	switch v := native.(type) {
	case string:
		return v, nil
	case locator.Descriptor:
		return locator.Canonical(v), nil
	case *Handle:
		return v.selector, nil
	case *cdp.Node:
		if v == nil || v.NodeType != cdp.NodeTypeElement {
			return "", errors.New("native node is not an element")
		}
		return v.FullXPath(), nil
	case *html.Node:
		return "", errors.New("static nodes belong to the HTML driver")
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", fmt.Errorf("unsupported native locator type %T", native)
}

// Close releases the tab and, for drivers created by Launch, the browser.
func (d *Driver) Close() error {
	d.closeOnce.Do(func() {
		if d.release != nil {
			d.release()
		}
	})
	return nil
}

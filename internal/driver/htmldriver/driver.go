// Package htmldriver resolves locator descriptors against a static HTML document. It interprets
// every descriptor kind itself, so it serves tests, offline healing of saved pages and the CLI's
// --html-file mode without a browser.
package htmldriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/llmutil"
	"github.com/xkilldash9x/autoheal/internal/locator"
)

var (
	// ErrNoRendering is returned by Screenshot; a static document has no layout to capture.
	ErrNoRendering = errors.New("static HTML driver cannot render screenshots")
	// ErrStaleHandle is returned when a handle outlives the document it came from.
	ErrStaleHandle = errors.New("element handle belongs to a previous document")
	// ErrInvalidSelector is returned for selectors the driver cannot evaluate.
	ErrInvalidSelector = errors.New("invalid selector")
)

const (
	maxSummaryText      = 200
	maxSummaryAttribute = 120
	maxContainerText    = 80
)

// Handle is an element reference produced by the driver.
type Handle struct {
	node       *html.Node
	selector   string
	index      int
	generation uint64
}

func (h *Handle) Selector() string { return h.selector }
func (h *Handle) Index() int       { return h.index }

// Node returns the underlying element.
func (h *Handle) Node() *html.Node { return h.node }

// Driver implements schemas.Driver over a parsed document. Load replaces the document, which
// stands in for a navigation; the driver itself never mutates the tree.
type Driver struct {
	mu         sync.RWMutex
	root       *html.Node
	order      map[*html.Node]int
	generation uint64

	testIDAttr string
	logger     *zap.Logger
}

// Option customizes a Driver.
type Option func(*Driver)

// WithTestIDAttribute sets the attribute getByTestId matches. The default is data-testid.
func WithTestIDAttribute(attr string) Option {
	return func(d *Driver) {
		if attr != "" {
			d.testIDAttr = attr
		}
	}
}

// WithLogger sets the driver's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Driver) { d.logger = logger.Named("htmldriver") }
}

// New parses the document read from r.
func New(r io.Reader, opts ...Option) (*Driver, error) {
	d := &Driver{testIDAttr: "data-testid", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Load(r); err != nil {
		return nil, err
	}
	return d, nil
}

// NewFromString parses doc.
func NewFromString(doc string, opts ...Option) (*Driver, error) {
	return New(strings.NewReader(doc), opts...)
}

// Load replaces the current document. Handles from the previous document become stale.
func (d *Driver) Load(r io.Reader) error {
	root, err := html.Parse(r)
	if err != nil {
		return fmt.Errorf("parsing HTML document: %w", err)
	}
	order := make(map[*html.Node]int)
	walkElements(root, func(n *html.Node) { order[n] = len(order) })

	d.mu.Lock()
	d.root, d.order = root, order
	d.generation++
	d.mu.Unlock()
	d.logger.Debug("Document loaded.", zap.Int("elements", len(order)))
	return nil
}

// LoadString replaces the current document with doc.
func (d *Driver) LoadString(doc string) error {
	return d.Load(strings.NewReader(doc))
}

// snapshot returns a consistent view of the document for one operation.
func (d *Driver) snapshot() *query {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &query{root: d.root, order: d.order, generation: d.generation, testIDAttr: d.testIDAttr}
}

// TryResolve returns every element matching selector in document order.
func (d *Driver) TryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	desc, err := locator.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	q := d.snapshot()
	nodes, err := q.eval(desc, q.root)
	if err != nil {
		return nil, err
	}

	handles := make([]schemas.ElementHandle, len(nodes))
	for i, n := range nodes {
		handles[i] = &Handle{node: n, selector: selector, index: i, generation: q.generation}
	}
	return handles, nil
}

// PageStructureSnapshot renders the document, or the elements matching scope, as HTML.
func (d *Driver) PageStructureSnapshot(ctx context.Context, scope string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q := d.snapshot()
	nodes := []*html.Node{q.root}
	if scope != "" {
		desc, err := locator.Parse(scope)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSelector, err)
		}
		if nodes, err = q.eval(desc, q.root); err != nil {
			return "", err
		}
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("rendering snapshot: %w", err)
		}
	}
	return buf.String(), nil
}

// Screenshot always fails with ErrNoRendering.
func (d *Driver) Screenshot(ctx context.Context, scope string) ([]byte, error) {
	return nil, ErrNoRendering
}

// Describe summarizes the element behind h.
func (d *Driver) Describe(ctx context.Context, h schemas.ElementHandle) (schemas.ElementSummary, error) {
	if err := ctx.Err(); err != nil {
		return schemas.ElementSummary{}, err
	}
	hh, ok := h.(*Handle)
	if !ok {
		return schemas.ElementSummary{}, fmt.Errorf("handle of type %T does not belong to the HTML driver", h)
	}
	q := d.snapshot()
	if hh.generation != q.generation {
		return schemas.ElementSummary{}, ErrStaleHandle
	}

	n := hh.node
	sum := schemas.ElementSummary{
		Index:      q.order[n],
		Tag:        n.Data,
		Text:       llmutil.Truncate(summaryText(n), maxSummaryText),
		Role:       role(n),
		Attributes: make(map[string]string, len(n.Attr)),
		Container:  container(n),
		Visible:    !hidden(n),
	}
	for _, a := range n.Attr {
		if a.Key == "style" {
			continue
		}
		sum.Attributes[a.Key] = llmutil.Truncate(a.Val, maxSummaryAttribute)
	}
	return sum, nil
}

// DescribeNativeLocator accepts selector strings, descriptors, handles from this driver and
// raw *html.Node elements.
func (d *Driver) DescribeNativeLocator(native any) (string, error) {
	switch v := native.(type) {
	case string:
		return v, nil
	case locator.Descriptor:
		return locator.Canonical(v), nil
	case *locator.Descriptor:
		if v == nil {
			return "", errors.New("nil descriptor")
		}
		return locator.Canonical(*v), nil
	case *Handle:
		return v.selector, nil
	case *html.Node:
		if v == nil || v.Type != html.ElementNode {
			return "", errors.New("native node is not an element")
		}
		return uniqueXPath(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", fmt.Errorf("unsupported native locator type %T", native)
}

func summaryText(n *html.Node) string {
	if n.Data == "input" {
		if v := attr(n, "value"); v != "" {
			return v
		}
		return attr(n, "placeholder")
	}
	return normalizeSpace(textContent(n))
}

// container describes the nearest ancestor that identifies the element's context, such as the
// list item or table row it sits in.
func container(n *html.Node) string {
	for p := n.Parent; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if !identifying(p) {
			continue
		}
		label := p.Data
		if id := attr(p, "id"); id != "" {
			label += "#" + id
		} else if class := strings.Fields(attr(p, "class")); len(class) > 0 {
			label += "." + class[0]
		}
		text := llmutil.Truncate(normalizeSpace(textContent(p)), maxContainerText)
		return fmt.Sprintf("%s %q", label, text)
	}
	return ""
}

func identifying(n *html.Node) bool {
	switch n.Data {
	case "li", "tr", "article", "section", "form", "fieldset", "dialog", "nav", "aside", "header", "footer":
		return true
	case "body", "html", "main":
		return false
	}
	return attr(n, "id") != "" || attr(n, "role") != "" || attr(n, "data-testid") != ""
}

// sortByOrder sorts nodes by document position and removes duplicates.
func sortByOrder(nodes []*html.Node, order map[*html.Node]int) []*html.Node {
	seen := make(map[*html.Node]struct{}, len(nodes))
	out := nodes[:0:0]
	for _, n := range nodes {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return order[out[i]] < order[out[j]] })
	return out
}

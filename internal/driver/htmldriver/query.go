package htmldriver

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoheal/internal/locator"
)

// query evaluates descriptors against one document generation.
type query struct {
	root       *html.Node
	order      map[*html.Node]int
	generation uint64
	testIDAttr string

	// labels maps element ids to the text of <label for=id> elements; built on first use.
	labels map[string][]string
}

// eval returns the elements under scope matched by d, in document order.
func (q *query) eval(d locator.Descriptor, scope *html.Node) ([]*html.Node, error) {
	nodes, err := q.match(d, scope)
	if err != nil {
		return nil, err
	}

	for _, f := range d.Filters {
		if nodes, err = q.filter(nodes, f); err != nil {
			return nil, err
		}
	}

	if d.Child != nil {
		var children []*html.Node
		for _, n := range nodes {
			found, err := q.eval(*d.Child, n)
			if err != nil {
				return nil, err
			}
			children = append(children, found...)
		}
		nodes = children
	}
	return sortByOrder(nodes, q.order), nil
}

func (q *query) match(d locator.Descriptor, scope *html.Node) ([]*html.Node, error) {
	switch d.Kind {
	case locator.KindCSS:
		return q.css(d.Value.Text, scope), nil
	case locator.KindXPath:
		return q.xpath(d.Value.Text, scope)
	case locator.KindRole:
		return q.byRole(d, scope)
	}

	m, err := newMatcher(d.Value, d.Options.Exact || d.Kind == locator.KindTestID)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case locator.KindTestID:
		return q.byAttribute(scope, q.testIDAttr, m), nil
	case locator.KindPlaceholder:
		return q.byAttribute(scope, "placeholder", m), nil
	case locator.KindAltText:
		return q.byAttribute(scope, "alt", m), nil
	case locator.KindTitle:
		return q.byAttribute(scope, "title", m), nil
	case locator.KindText:
		return q.byText(scope, m), nil
	case locator.KindLabel:
		return q.byLabel(scope, m), nil
	}
	return nil, fmt.Errorf("%w: unsupported descriptor kind %q", ErrInvalidSelector, d.Kind)
}

// css returns no elements for selectors goquery cannot compile.
func (q *query) css(selector string, scope *html.Node) []*html.Node {
	return goquery.NewDocumentFromNode(scope).Find(selector).Nodes
}

func (q *query) xpath(expr string, scope *html.Node) ([]*html.Node, error) {
	found, err := htmlquery.QueryAll(scope, scopedXPath(expr, scope != q.root))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
	}
	nodes := found[:0]
	for _, n := range found {
		if n.Type == html.ElementNode {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

func (q *query) byAttribute(scope *html.Node, name string, m matcher) []*html.Node {
	var nodes []*html.Node
	descendants(scope, func(n *html.Node) {
		if v, ok := attrOK(n, name); ok && m(v) {
			nodes = append(nodes, n)
		}
	})
	return nodes
}

// byText returns the innermost elements whose text matches, plus buttons rendered from an
// input's value.
func (q *query) byText(scope *html.Node, m matcher) []*html.Node {
	var nodes []*html.Node
	matched := make(map[*html.Node]bool)
	descendants(scope, func(n *html.Node) {
		if nonRendered(n) {
			return
		}
		if n.Data == "input" {
			switch strings.ToLower(attr(n, "type")) {
			case "button", "submit", "reset":
				if m(attr(n, "value")) {
					nodes = append(nodes, n)
				}
			}
			return
		}
		if m(textContent(n)) {
			matched[n] = true
			nodes = append(nodes, n)
		}
	})

	innermost := nodes[:0]
	for _, n := range nodes {
		if !hasMatchedChild(n, matched) {
			innermost = append(innermost, n)
		}
	}
	return innermost
}

func hasMatchedChild(n *html.Node, matched map[*html.Node]bool) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if matched[c] {
			return true
		}
	}
	return false
}

func (q *query) byLabel(scope *html.Node, m matcher) []*html.Node {
	var nodes []*html.Node
	descendants(scope, func(n *html.Node) {
		for _, label := range q.labelTexts(n) {
			if m(label) {
				nodes = append(nodes, n)
				return
			}
		}
	})
	return nodes
}

// labelTexts collects every label that names n: aria attributes, <label for> and a wrapping
// <label>.
func (q *query) labelTexts(n *html.Node) []string {
	var out []string
	if v := attr(n, "aria-label"); v != "" {
		out = append(out, v)
	}
	if ids := attr(n, "aria-labelledby"); ids != "" {
		out = append(out, q.textOfIDs(ids))
	}
	if !labelable(n) {
		return out
	}
	if id := attr(n, "id"); id != "" {
		out = append(out, q.labelsFor(id)...)
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			out = append(out, textContent(p))
			break
		}
	}
	return out
}

func (q *query) labelsFor(id string) []string {
	if q.labels == nil {
		q.labels = make(map[string][]string)
		walkElements(q.root, func(n *html.Node) {
			if n.Data == "label" {
				if target := attr(n, "for"); target != "" {
					q.labels[target] = append(q.labels[target], textContent(n))
				}
			}
		})
	}
	return q.labels[id]
}

func (q *query) textOfIDs(ids string) string {
	var parts []string
	for _, id := range strings.Fields(ids) {
		walkElements(q.root, func(n *html.Node) {
			if attr(n, "id") == id {
				parts = append(parts, textContent(n))
			}
		})
	}
	return strings.Join(parts, " ")
}

func (q *query) byRole(d locator.Descriptor, scope *html.Node) ([]*html.Node, error) {
	want := strings.ToLower(strings.TrimSpace(d.Value.Text))
	opts := d.Options

	var name matcher
	if opts.Name != nil {
		var err error
		if name, err = newMatcher(*opts.Name, opts.Exact); err != nil {
			return nil, err
		}
	}
	includeHidden := opts.IncludeHidden != nil && *opts.IncludeHidden

	var nodes []*html.Node
	descendants(scope, func(n *html.Node) {
		if role(n) != want {
			return
		}
		if !includeHidden && hidden(n) {
			return
		}
		if !statesMatch(n, opts) {
			return
		}
		if name != nil && !name(q.accessibleName(n)) {
			return
		}
		nodes = append(nodes, n)
	})
	return nodes, nil
}

func (q *query) filter(nodes []*html.Node, f locator.Filter) ([]*html.Node, error) {
	keep := func(bool) bool { return true }
	var test func(*html.Node) (bool, error)

	switch f.Type {
	case locator.FilterHasText, locator.FilterHasNotText:
		m, err := newMatcher(f.Text, false)
		if err != nil {
			return nil, err
		}
		test = func(n *html.Node) (bool, error) { return m(textContent(n)), nil }
	case locator.FilterHas, locator.FilterHasNot:
		if f.Locator == nil {
			return nil, fmt.Errorf("%w: %s filter without a locator", ErrInvalidSelector, f.Type)
		}
		test = func(n *html.Node) (bool, error) {
			inner, err := q.eval(*f.Locator, n)
			return len(inner) > 0, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidSelector, f.Type)
	}
	if f.Type == locator.FilterHasNotText || f.Type == locator.FilterHasNot {
		keep = func(b bool) bool { return !b }
	}

	out := nodes[:0:0]
	for _, n := range nodes {
		ok, err := test(n)
		if err != nil {
			return nil, err
		}
		if keep(ok) {
			out = append(out, n)
		}
	}
	return out, nil
}

// matcher reports whether a piece of element text satisfies a locator value.
type matcher func(string) bool

// newMatcher builds the comparison for v. Plain strings match as a case-insensitive substring
// unless exact, which compares whole strings case-sensitively. Whitespace is collapsed on both
// sides in every mode.
func newMatcher(v locator.Value, exact bool) (matcher, error) {
	if v.Regex {
		re, err := v.Regexp()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSelector, err)
		}
		return func(s string) bool { return re.MatchString(normalizeSpace(s)) }, nil
	}
	want := normalizeSpace(v.Text)
	if exact {
		return func(s string) bool { return normalizeSpace(s) == want }, nil
	}
	want = strings.ToLower(want)
	return func(s string) bool { return strings.Contains(strings.ToLower(normalizeSpace(s)), want) }, nil
}

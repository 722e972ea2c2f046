// Package domsnap shrinks page snapshots before they are sent to an AI backend. Markup that
// cannot help choose a selector is removed and the result is held under a byte budget.
package domsnap

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/autoheal/internal/llmutil"
)

const defaultMaxText = 120

// Attributes that carry selector evidence. Everything else is dropped.
var keptAttributes = []string{
	"id", "class", "name", "type", "role", "title", "alt", "placeholder", "value", "for",
	"href", "action", "method", "checked", "disabled", "selected", "hidden", "multiple",
	"aria-label", "aria-labelledby", "aria-describedby", "aria-expanded", "aria-pressed",
	"aria-checked", "aria-selected", "aria-disabled", "aria-hidden", "aria-level", "aria-controls",
	"tabindex", "contenteditable",
}

var (
	interTag   = regexp.MustCompile(`>\s+<`)
	whitespace = regexp.MustCompile(`\s{2,}`)
)

// Result is a trimmed snapshot.
type Result struct {
	HTML          string
	OriginalBytes int
	Truncated     bool
}

// Trimmer converts raw page HTML into a compact snapshot. It is safe for concurrent use.
type Trimmer struct {
	policy   *bluemonday.Policy
	maxBytes int
	maxText  int
}

// New creates a Trimmer that keeps snapshots under maxBytes. A non-positive maxBytes disables
// truncation.
func New(maxBytes int) *Trimmer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"html", "body", "main", "header", "footer", "nav", "aside", "section", "article",
		"div", "span", "p", "a", "button", "form", "label", "input", "select", "option",
		"optgroup", "textarea", "fieldset", "legend", "ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
		"h1", "h2", "h3", "h4", "h5", "h6", "img", "dialog", "details", "summary",
		"strong", "em", "b", "i", "small", "iframe", "progress", "meter", "output",
	)
	p.AllowAttrs(keptAttributes...).Globally()
	p.AllowDataAttributes()
	p.AllowStandardURLs()
	p.AllowRelativeURLs(true)
	p.SkipElementsContent("script", "style", "noscript", "svg", "template", "head", "canvas")

	return &Trimmer{policy: p, maxBytes: maxBytes, maxText: defaultMaxText}
}

// Trim returns the compact form of raw.
func (t *Trimmer) Trim(raw string) (Result, error) {
	res := Result{OriginalBytes: len(raw)}

	shortened, err := t.shortenText(raw)
	if err != nil {
		return res, err
	}
	out := t.policy.Sanitize(shortened)
	out = interTag.ReplaceAllString(out, "><")
	out = whitespace.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)

	if t.maxBytes > 0 && len(out) > t.maxBytes {
		out = cutAtTag(out, t.maxBytes)
		res.Truncated = true
	}
	res.HTML = out
	return res, nil
}

// shortenText truncates long text nodes, leaving element structure intact.
func (t *Trimmer) shortenText(raw string) (string, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parsing snapshot: %w", err)
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			switch c.Type {
			case html.CommentNode:
				n.RemoveChild(c)
			case html.TextNode:
				if n.DataAtom != atom.Script && n.DataAtom != atom.Style && len(c.Data) > t.maxText {
					c.Data = llmutil.Truncate(strings.TrimSpace(c.Data), t.maxText)
				}
			case html.ElementNode:
				walk(c)
			}
			c = next
		}
	}
	walk(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("rendering snapshot: %w", err)
	}
	return buf.String(), nil
}

// cutAtTag truncates s to at most max bytes, ending after the last complete tag.
func cutAtTag(s string, max int) string {
	cut := s[:max]
	if i := strings.LastIndexByte(cut, '>'); i > 0 {
		return cut[:i+1]
	}
	return llmutil.Truncate(s, max)
}

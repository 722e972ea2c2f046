package htmldriver

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// walkElements visits every element under root, root included, in document order.
func walkElements(root *html.Node, fn func(*html.Node)) {
	if root.Type == html.ElementNode {
		fn(root)
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

// descendants visits the elements strictly below scope.
func descendants(scope *html.Node, fn func(*html.Node)) {
	for c := scope.FirstChild; c != nil; c = c.NextSibling {
		walkElements(c, fn)
	}
}

func attr(n *html.Node, name string) string {
	return htmlquery.SelectAttr(n, name)
}

func attrOK(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// nonRendered reports elements whose content never reaches the page.
func nonRendered(n *html.Node) bool {
	switch n.Data {
	case "head", "script", "style", "template", "noscript", "title", "meta", "link":
		return true
	}
	return false
}

// textContent concatenates the rendered text below n.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			b.WriteString(c.Data)
			return
		case html.ElementNode:
			if nonRendered(c) {
				return
			}
			if c.Data == "br" {
				b.WriteByte(' ')
			}
		}
		for gc := c.FirstChild; gc != nil; gc = gc.NextSibling {
			walk(gc)
		}
	}
	walk(n)
	return b.String()
}

// normalizeSpace trims s and collapses internal whitespace runs to single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package htmldriver

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// uniqueXPath builds an XPath for node, anchored at the nearest ancestor with an id.
func uniqueXPath(node *html.Node) string {
	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode || n.Data == "" {
			continue
		}
		tag := strings.ToLower(n.Data)

		if id := htmlquery.SelectAttr(n, "id"); id != "" && !strings.Contains(id, "'") {
			path = append(path, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}

		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.ToLower(prev.Data) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(path) == 0 {
		return "/"
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//*[@id=") {
		xpath = "/" + xpath
	}
	return xpath
}

// scopedXPath makes an absolute expression relative to the context node.
func scopedXPath(expr string, scoped bool) string {
	if scoped && strings.HasPrefix(expr, "/") {
		return "." + expr
	}
	return expr
}

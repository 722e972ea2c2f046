package htmldriver

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoheal/internal/locator"
)

var inputRoles = map[string]string{
	"button":   "button",
	"submit":   "button",
	"reset":    "button",
	"image":    "button",
	"checkbox": "checkbox",
	"radio":    "radio",
	"range":    "slider",
	"number":   "spinbutton",
	"search":   "searchbox",
	"email":    "textbox",
	"tel":      "textbox",
	"text":     "textbox",
	"url":      "textbox",
	"password": "textbox",
	"":         "textbox",
}

var tagRoles = map[string]string{
	"button":   "button",
	"textarea": "textbox",
	"option":   "option",
	"ul":       "list",
	"ol":       "list",
	"li":       "listitem",
	"nav":      "navigation",
	"main":     "main",
	"header":   "banner",
	"footer":   "contentinfo",
	"aside":    "complementary",
	"form":     "form",
	"table":    "table",
	"tr":       "row",
	"td":       "cell",
	"th":       "columnheader",
	"dialog":   "dialog",
	"article":  "article",
	"hr":       "separator",
	"progress": "progressbar",
	"fieldset": "group",
	"details":  "group",
	"p":        "paragraph",
}

// nameFromContent lists roles whose accessible name falls back to their text.
var nameFromContent = map[string]bool{
	"button": true, "link": true, "heading": true, "cell": true, "columnheader": true,
	"option": true, "checkbox": true, "radio": true, "tab": true, "menuitem": true,
	"treeitem": true, "row": true, "switch": true, "tooltip": true,
}

// role returns the explicit or implicit ARIA role of n.
func role(n *html.Node) string {
	if explicit := strings.Fields(strings.ToLower(attr(n, "role"))); len(explicit) > 0 {
		return explicit[0]
	}
	switch n.Data {
	case "a", "area":
		if _, ok := attrOK(n, "href"); ok {
			return "link"
		}
		return ""
	case "input":
		t := strings.ToLower(attr(n, "type"))
		if t == "hidden" {
			return ""
		}
		r := inputRoles[t]
		if r == "textbox" || r == "searchbox" {
			if _, ok := attrOK(n, "list"); ok {
				return "combobox"
			}
		}
		return r
	case "select":
		if _, multi := attrOK(n, "multiple"); multi {
			return "listbox"
		}
		if size, err := strconv.Atoi(attr(n, "size")); err == nil && size > 1 {
			return "listbox"
		}
		return "combobox"
	case "img":
		if alt, ok := attrOK(n, "alt"); ok && alt == "" {
			return "presentation"
		}
		return "img"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "section":
		if attr(n, "aria-label") != "" || attr(n, "aria-labelledby") != "" {
			return "region"
		}
		return ""
	}
	return tagRoles[n.Data]
}

// headingLevel returns aria-level, or the level implied by an h1-h6 tag.
func headingLevel(n *html.Node) int {
	if lvl, err := strconv.Atoi(attr(n, "aria-level")); err == nil {
		return lvl
	}
	if len(n.Data) == 2 && n.Data[0] == 'h' && n.Data[1] >= '1' && n.Data[1] <= '6' {
		return int(n.Data[1] - '0')
	}
	return 0
}

func (q *query) accessibleName(n *html.Node) string {
	if ids := attr(n, "aria-labelledby"); ids != "" {
		if name := normalizeSpace(q.textOfIDs(ids)); name != "" {
			return name
		}
	}
	if v := attr(n, "aria-label"); strings.TrimSpace(v) != "" {
		return normalizeSpace(v)
	}
	switch n.Data {
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "button", "reset":
			return attr(n, "value")
		case "submit":
			if v, ok := attrOK(n, "value"); ok {
				return v
			}
			return "Submit"
		case "image":
			return attr(n, "alt")
		}
	case "img", "area":
		if alt := attr(n, "alt"); alt != "" {
			return alt
		}
	}
	if labelable(n) {
		if labels := q.labelTexts(n); len(labels) > 0 {
			return normalizeSpace(strings.Join(labels, " "))
		}
	}
	if nameFromContent[role(n)] {
		if text := normalizeSpace(textContent(n)); text != "" {
			return text
		}
	}
	return normalizeSpace(attr(n, "title"))
}

// statesMatch applies the boolean state options of a role descriptor.
func statesMatch(n *html.Node, o locator.Options) bool {
	checks := []struct {
		want *bool
		have func(*html.Node) bool
	}{
		{o.Checked, checked},
		{o.Disabled, disabled},
		{o.Expanded, func(n *html.Node) bool { return attr(n, "aria-expanded") == "true" }},
		{o.Pressed, func(n *html.Node) bool { return attr(n, "aria-pressed") == "true" }},
		{o.Selected, selected},
	}
	for _, c := range checks {
		if c.want != nil && *c.want != c.have(n) {
			return false
		}
	}
	return o.Level == 0 || headingLevel(n) == o.Level
}

func checked(n *html.Node) bool {
	if v := attr(n, "aria-checked"); v != "" {
		return v == "true"
	}
	_, ok := attrOK(n, "checked")
	return ok && n.Data == "input"
}

func selected(n *html.Node) bool {
	if v := attr(n, "aria-selected"); v != "" {
		return v == "true"
	}
	_, ok := attrOK(n, "selected")
	return ok && n.Data == "option"
}

// disabled covers the disabled attribute, aria-disabled and controls inside a disabled fieldset.
func disabled(n *html.Node) bool {
	if attr(n, "aria-disabled") == "true" {
		return true
	}
	if !formControl(n) {
		return false
	}
	if _, ok := attrOK(n, "disabled"); ok {
		return true
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "fieldset" {
			if _, ok := attrOK(p, "disabled"); ok {
				return true
			}
		}
	}
	return false
}

// hidden reports whether n or an ancestor is excluded from the accessibility tree.
func hidden(n *html.Node) bool {
	for c := n; c != nil && c.Type == html.ElementNode; c = c.Parent {
		if nonRendered(c) {
			return true
		}
		if _, ok := attrOK(c, "hidden"); ok {
			return true
		}
		if attr(c, "aria-hidden") == "true" {
			return true
		}
		if c.Data == "input" && strings.EqualFold(attr(c, "type"), "hidden") {
			return true
		}
		style := strings.ReplaceAll(strings.ToLower(attr(c, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

func formControl(n *html.Node) bool {
	switch n.Data {
	case "button", "input", "select", "textarea", "option", "optgroup", "fieldset":
		return true
	}
	return false
}

func labelable(n *html.Node) bool {
	switch n.Data {
	case "input":
		return !strings.EqualFold(attr(n, "type"), "hidden")
	case "button", "select", "textarea", "meter", "output", "progress":
		return true
	}
	return false
}

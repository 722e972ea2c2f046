package locator

import (
	"fmt"
	"strconv"
	"strings"
)

// Playwright drivers describe their locators in selector-engine syntax, e.g.
//
//	internal:role=listitem >> internal:has-text="Product 2"i >> internal:role=button[name="Add"i]
//
// parseEngine maps that syntax back onto descriptors.

var enginePrefixes = []string{
	"internal:", "role=", "text=", "css=", "xpath=", "data-testid=", "data-test-id=", "id=",
}

func looksLikeEngine(s string) bool {
	if strings.Contains(s, " >> ") {
		return true
	}
	for _, p := range enginePrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func parseEngine(s string) (Descriptor, error) {
	parts, err := splitEngineChain(s)
	if err != nil {
		return Descriptor{}, err
	}

	var root *Descriptor
	var tail *Descriptor
	for _, part := range parts {
		name, body := splitEnginePart(part)
		switch name {
		case "internal:has-text", "internal:has-not-text":
			if tail == nil {
				return Descriptor{}, fmt.Errorf("%s has nothing to narrow", name)
			}
			v, _, err := engineText(body)
			if err != nil {
				return Descriptor{}, err
			}
			ft := FilterHasText
			if name == "internal:has-not-text" {
				ft = FilterHasNotText
			}
			tail.Filters = append(tail.Filters, Filter{Type: ft, Text: v})
			continue
		case "internal:has", "internal:has-not":
			if tail == nil {
				return Descriptor{}, fmt.Errorf("%s has nothing to narrow", name)
			}
			inner, err := strconv.Unquote(body)
			if err != nil {
				return Descriptor{}, fmt.Errorf("%s: %w", name, err)
			}
			nested := parseSelector(inner)
			ft := FilterHas
			if name == "internal:has-not" {
				ft = FilterHasNot
			}
			tail.Filters = append(tail.Filters, Filter{Type: ft, Locator: &nested})
			continue
		}

		d, err := enginePart(name, body)
		if err != nil {
			return Descriptor{}, err
		}
		if root == nil {
			root = &d
			tail = root
		} else {
			tail.Child = &d
			tail = tail.Child
		}
	}
	if root == nil {
		return Descriptor{}, fmt.Errorf("empty selector chain")
	}
	if err := root.Validate(); err != nil {
		return Descriptor{}, err
	}
	return *root, nil
}

func enginePart(name, body string) (Descriptor, error) {
	switch name {
	case "css", "":
		return Descriptor{Kind: KindCSS, Value: String(body)}, nil
	case "xpath":
		return Descriptor{Kind: KindXPath, Value: String(body)}, nil
	case "id":
		return Descriptor{Kind: KindCSS, Value: String("#" + body)}, nil
	case "text", "internal:text":
		v, exact, err := engineText(body)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Kind: KindText, Value: v, Options: Options{Exact: exact}}, nil
	case "internal:label":
		v, exact, err := engineText(body)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Kind: KindLabel, Value: v, Options: Options{Exact: exact}}, nil
	case "data-testid", "data-test-id":
		return Descriptor{Kind: KindTestID, Value: String(unquoteLoose(body))}, nil
	case "internal:testid":
		_, v, _, err := engineAttr(body)
		if err != nil {
			return Descriptor{}, err
		}
		return Descriptor{Kind: KindTestID, Value: v}, nil
	case "internal:attr":
		attr, v, exact, err := engineAttr(body)
		if err != nil {
			return Descriptor{}, err
		}
		var kind Kind
		switch attr {
		case "placeholder":
			kind = KindPlaceholder
		case "alt":
			kind = KindAltText
		case "title":
			kind = KindTitle
		default:
			return Descriptor{}, fmt.Errorf("unsupported attribute engine %q", attr)
		}
		return Descriptor{Kind: kind, Value: v, Options: Options{Exact: exact}}, nil
	case "role", "internal:role":
		return engineRole(body)
	}
	return Descriptor{}, fmt.Errorf("unsupported selector engine %q", name)
}

// engineText decodes `"x"i` (substring), `"x"s` or `"x"` (exact), `/re/flags`, or bare text.
func engineText(body string) (Value, bool, error) {
	body = strings.TrimSpace(body)
	switch {
	case strings.HasPrefix(body, "/"):
		lx := newLexer(body)
		tok, err := lx.next()
		if err != nil {
			return Value{}, false, err
		}
		if tok.kind != tokRegex || lx.pos != len(body) {
			return Value{}, false, fmt.Errorf("malformed regex %q", body)
		}
		flags, err := parseJSFlags(tok.flags)
		if err != nil {
			return Value{}, false, err
		}
		return Pattern(tok.text, flags), false, nil
	case strings.HasPrefix(body, `"`):
		end := strings.LastIndexByte(body, '"')
		if end <= 0 {
			return Value{}, false, fmt.Errorf("unterminated text %q", body)
		}
		s, err := strconv.Unquote(body[:end+1])
		if err != nil {
			return Value{}, false, err
		}
		suffix := body[end+1:]
		switch suffix {
		case "i":
			return String(s), false, nil
		case "s", "":
			return String(s), true, nil
		}
		return Value{}, false, fmt.Errorf("unknown text suffix %q", suffix)
	}
	return String(body), false, nil
}

// engineAttr decodes `[name="value"i]`.
func engineAttr(body string) (string, Value, bool, error) {
	attrs, err := splitBrackets(body)
	if err != nil {
		return "", Value{}, false, err
	}
	if len(attrs) != 1 {
		return "", Value{}, false, fmt.Errorf("expected one attribute in %q", body)
	}
	name, raw, ok := strings.Cut(attrs[0], "=")
	if !ok {
		return "", Value{}, false, fmt.Errorf("attribute %q has no value", attrs[0])
	}
	v, exact, err := engineText(raw)
	return strings.TrimSpace(name), v, exact, err
}

// engineRole decodes `button[name="Login"i][checked=true][level=2]`.
func engineRole(body string) (Descriptor, error) {
	role := body
	var attrs []string
	if i := strings.IndexByte(body, '['); i >= 0 {
		role = body[:i]
		var err error
		if attrs, err = splitBrackets(body[i:]); err != nil {
			return Descriptor{}, err
		}
	}
	d := Descriptor{Kind: KindRole, Value: String(strings.TrimSpace(role))}
	for _, a := range attrs {
		key, raw, hasValue := strings.Cut(a, "=")
		key = strings.TrimSpace(key)
		if key == "name" {
			v, exact, err := engineText(raw)
			if err != nil {
				return Descriptor{}, err
			}
			d.Options.Name = &v
			d.Options.Exact = exact && !v.Regex
			continue
		}
		b := !hasValue || strings.TrimSpace(raw) == "true"
		switch key {
		case "checked":
			d.Options.Checked = &b
		case "disabled":
			d.Options.Disabled = &b
		case "expanded":
			d.Options.Expanded = &b
		case "pressed":
			d.Options.Pressed = &b
		case "selected":
			d.Options.Selected = &b
		case "include-hidden":
			d.Options.IncludeHidden = &b
		case "level":
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return Descriptor{}, fmt.Errorf("role level: %w", err)
			}
			d.Options.Level = n
		default:
			return Descriptor{}, fmt.Errorf("unsupported role attribute %q", key)
		}
	}
	return d, nil
}

// splitBrackets splits `[a][b="x]y"]` into its bracket bodies, honouring quotes.
func splitBrackets(s string) ([]string, error) {
	var out []string
	s = strings.TrimSpace(s)
	for len(s) > 0 {
		if s[0] != '[' {
			return nil, fmt.Errorf("expected '[' in %q", s)
		}
		inQuote := false
		end := -1
		for i := 1; i < len(s); i++ {
			switch s[i] {
			case '\\':
				i++
			case '"':
				inQuote = !inQuote
			case ']':
				if !inQuote {
					end = i
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated '[' in %q", s)
		}
		out = append(out, s[1:end])
		s = strings.TrimSpace(s[end+1:])
	}
	return out, nil
}

// splitEngineChain splits on " >> " outside of quotes.
func splitEngineChain(s string) ([]string, error) {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case strings.HasPrefix(s[i:], " >> "):
			parts = append(parts, strings.TrimSpace(s[start:i]))
			i += 3
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	parts = append(parts, strings.TrimSpace(s[start:]))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty segment in %q", s)
		}
	}
	return parts, nil
}

// splitEnginePart separates "engine=body". Parts without a known engine prefix are CSS, unless
// they are XPath or quoted text.
func splitEnginePart(part string) (string, string) {
	if isXPath(part) {
		return "xpath", strings.TrimPrefix(part, "xpath=")
	}
	if strings.HasPrefix(part, `"`) || strings.HasPrefix(part, "'") {
		return "text", part
	}
	name, body, ok := strings.Cut(part, "=")
	if !ok || !isEngineName(name) {
		return "", part
	}
	return name, body
}

func isEngineName(name string) bool {
	if strings.HasPrefix(name, "internal:") {
		return true
	}
	switch name {
	case "role", "text", "css", "xpath", "data-testid", "data-test-id", "id":
		return true
	}
	return false
}

func unquoteLoose(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

package locator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrInvalidHint is returned for hints that cannot be parsed and cannot be passed through as a raw
// selector either.
var ErrInvalidHint = errors.New("invalid locator hint")

// Parse converts a raw hint into a descriptor. Hints that are not one of the recognized forms are
// returned as opaque css descriptors carrying the trimmed hint.
func Parse(raw string) (Descriptor, error) {
	hint := strings.TrimSpace(raw)
	if hint == "" {
		return Descriptor{}, fmt.Errorf("%w: empty hint", ErrInvalidHint)
	}
	if !utf8.ValidString(hint) {
		return Descriptor{}, fmt.Errorf("%w: not valid UTF-8", ErrInvalidHint)
	}
	for _, r := range hint {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return Descriptor{}, fmt.Errorf("%w: control character %U", ErrInvalidHint, r)
		}
	}

	if looksLikeChain(hint) {
		if d, err := parseChain(hint); err == nil {
			return d, nil
		}
	}
	return parseSelector(hint), nil
}

// MustParse is Parse for hints known to be valid, such as literals in tests.
func MustParse(raw string) Descriptor {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

func looksLikeChain(s string) bool {
	return strings.HasPrefix(s, "getBy") || strings.HasPrefix(s, "locator(") ||
		strings.HasPrefix(s, "page.")
}

// parseSelector interprets a selector string the way Playwright's locator(selector) does:
// XPath, selector-engine syntax, or CSS. It never fails; anything unrecognized is CSS.
func parseSelector(s string) Descriptor {
	if isXPath(s) && !strings.Contains(s, " >> ") {
		return Descriptor{Kind: KindXPath, Value: String(strings.TrimPrefix(s, "xpath="))}
	}
	if looksLikeEngine(s) {
		if d, err := parseEngine(s); err == nil {
			return d
		}
	}
	return Descriptor{Kind: KindCSS, Value: String(s)}
}

func isXPath(s string) bool {
	return strings.HasPrefix(s, "xpath=") || strings.HasPrefix(s, "/") ||
		strings.HasPrefix(s, "(/") || strings.HasPrefix(s, "..")
}

// chainParser is a recursive descent parser over lexer tokens.
type chainParser struct {
	lex *lexer
	tok token
}

func parseChain(src string) (Descriptor, error) {
	p := &chainParser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return Descriptor{}, err
	}
	d, err := p.chain()
	if err != nil {
		return Descriptor{}, err
	}
	if p.tok.kind != tokEOF {
		return Descriptor{}, fmt.Errorf("unexpected %s after locator expression", p.tok)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (p *chainParser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *chainParser) expect(punct string) error {
	if p.tok.kind != tokPunct || p.tok.text != punct {
		return fmt.Errorf("expected %q, found %s", punct, p.tok)
	}
	return p.advance()
}

func (p *chainParser) isPunct(punct string) bool {
	return p.tok.kind == tokPunct && p.tok.text == punct
}

// chain parses `[page.] call (. call)*`.
func (p *chainParser) chain() (Descriptor, error) {
	if p.tok.kind == tokIdent && p.tok.text == "page" {
		if err := p.advance(); err != nil {
			return Descriptor{}, err
		}
		if err := p.expect("."); err != nil {
			return Descriptor{}, err
		}
	}

	root, err := p.call(nil)
	if err != nil {
		return Descriptor{}, err
	}
	tail := root
	for p.isPunct(".") {
		if err := p.advance(); err != nil {
			return Descriptor{}, err
		}
		next, err := p.call(tail)
		if err != nil {
			return Descriptor{}, err
		}
		if next != nil {
			tail.Child = next
			tail = next
		}
	}
	return *root, nil
}

// call parses one method call. filter() calls mutate tail and return nil; locator-producing calls
// return a new descriptor.
func (p *chainParser) call(tail *Descriptor) (*Descriptor, error) {
	if p.tok.kind != tokIdent {
		return nil, fmt.Errorf("expected method name, found %s", p.tok)
	}
	method := p.tok.text
	pos := p.tok.pos
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.expect("("); err != nil {
		return nil, err
	}

	if method == "filter" {
		if tail == nil {
			return nil, fmt.Errorf("filter() at offset %d has nothing to narrow", pos)
		}
		filters, err := p.filterObject()
		if err != nil {
			return nil, err
		}
		tail.Filters = append(tail.Filters, filters...)
		return nil, p.expect(")")
	}

	var d Descriptor
	switch method {
	case "getByRole":
		d.Kind = KindRole
	case "getByText":
		d.Kind = KindText
	case "getByLabel":
		d.Kind = KindLabel
	case "getByPlaceholder":
		d.Kind = KindPlaceholder
	case "getByTestId":
		d.Kind = KindTestID
	case "getByAltText":
		d.Kind = KindAltText
	case "getByTitle":
		d.Kind = KindTitle
	case "locator":
		if p.tok.kind != tokString {
			return nil, fmt.Errorf("locator() expects a string selector, found %s", p.tok)
		}
		d = parseSelector(strings.TrimSpace(p.tok.text))
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isPunct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			filters, err := p.filterObject()
			if err != nil {
				return nil, err
			}
			d.Filters = append(d.Filters, filters...)
		}
		return &d, p.expect(")")
	default:
		return nil, fmt.Errorf("unsupported method %q at offset %d", method, pos)
	}

	v, err := p.value()
	if err != nil {
		return nil, err
	}
	d.Value = v
	if p.isPunct(",") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.options(&d.Options); err != nil {
			return nil, err
		}
	}
	return &d, p.expect(")")
}

// value parses a string or regex literal.
func (p *chainParser) value() (Value, error) {
	switch p.tok.kind {
	case tokString:
		v := String(p.tok.text)
		return v, p.advance()
	case tokRegex:
		flags, err := parseJSFlags(p.tok.flags)
		if err != nil {
			return Value{}, err
		}
		v := Pattern(p.tok.text, flags)
		return v, p.advance()
	}
	return Value{}, fmt.Errorf("expected string or regex, found %s", p.tok)
}

func (p *chainParser) boolean() (bool, error) {
	if p.tok.kind != tokIdent || (p.tok.text != "true" && p.tok.text != "false") {
		return false, fmt.Errorf("expected boolean, found %s", p.tok)
	}
	b := p.tok.text == "true"
	return b, p.advance()
}

// object walks `{ key: <value>, ... }`, handing each key to fn positioned at its value.
func (p *chainParser) object(fn func(key string) error) error {
	if err := p.expect("{"); err != nil {
		return err
	}
	for !p.isPunct("}") {
		if p.tok.kind != tokIdent && p.tok.kind != tokString {
			return fmt.Errorf("expected object key, found %s", p.tok)
		}
		key := p.tok.text
		if err := p.advance(); err != nil {
			return err
		}
		if err := p.expect(":"); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
		if !p.isPunct(",") {
			break
		}
		if err := p.advance(); err != nil {
			return err
		}
	}
	return p.expect("}")
}

func (p *chainParser) options(o *Options) error {
	return p.object(func(key string) error {
		var err error
		switch key {
		case "name":
			var v Value
			v, err = p.value()
			o.Name = &v
		case "exact":
			o.Exact, err = p.boolean()
		case "level":
			if p.tok.kind != tokNumber {
				return fmt.Errorf("level expects a number, found %s", p.tok)
			}
			o.Level, err = strconv.Atoi(p.tok.text)
			if err == nil {
				err = p.advance()
			}
		case "checked":
			o.Checked, err = p.optBool()
		case "disabled":
			o.Disabled, err = p.optBool()
		case "expanded":
			o.Expanded, err = p.optBool()
		case "pressed":
			o.Pressed, err = p.optBool()
		case "selected":
			o.Selected, err = p.optBool()
		case "includeHidden":
			o.IncludeHidden, err = p.optBool()
		default:
			return fmt.Errorf("unsupported option %q", key)
		}
		return err
	})
}

func (p *chainParser) optBool() (*bool, error) {
	b, err := p.boolean()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *chainParser) filterObject() ([]Filter, error) {
	var filters []Filter
	err := p.object(func(key string) error {
		f := Filter{Type: FilterType(key)}
		switch f.Type {
		case FilterHasText, FilterHasNotText:
			v, err := p.value()
			if err != nil {
				return err
			}
			f.Text = v
		case FilterHas, FilterHasNot:
			nested, err := p.chain()
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			f.Locator = &nested
		default:
			return fmt.Errorf("unsupported filter %q", key)
		}
		filters = append(filters, f)
		return nil
	})
	return filters, err
}

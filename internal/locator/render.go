package locator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Dialect is a target syntax for Render.
type Dialect string

const (
	// DialectJavaScript is the canonical, re-parseable form.
	DialectJavaScript Dialect = "js"
	DialectJava       Dialect = "java"
	DialectPython     Dialect = "python"
	// DialectCSS is a plain CSS selector. Only some kinds can be expressed.
	DialectCSS Dialect = "css"
)

// ErrNotExpressible is returned when a descriptor cannot be rendered in the requested dialect.
var ErrNotExpressible = errors.New("descriptor not expressible in dialect")

// ParseDialect maps user input such as "javascript" or "py" onto a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "js", "javascript", "ts", "typescript", "":
		return DialectJavaScript, nil
	case "java":
		return DialectJava, nil
	case "py", "python":
		return DialectPython, nil
	case "css":
		return DialectCSS, nil
	}
	return "", fmt.Errorf("unknown dialect %q", s)
}

// Render converts d into an expression in the target dialect.
func Render(d Descriptor, dialect Dialect) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	switch dialect {
	case DialectJavaScript:
		return renderJS(d, true), nil
	case DialectJava:
		return renderCode(d, javaSyntax, true), nil
	case DialectPython:
		return renderCode(d, pythonSyntax, true), nil
	case DialectCSS:
		return RenderCSS(d, "data-testid")
	}
	return "", fmt.Errorf("unknown dialect %q", dialect)
}

// Canonical renders d in the JavaScript dialect. It is the normalized form used for cache keys
// and for the selectors drivers receive.
func Canonical(d Descriptor) string {
	return renderJS(d, true)
}

// Normalize parses raw and returns its canonical rendering.
func Normalize(raw string) (string, error) {
	d, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Canonical(d), nil
}

// -- JavaScript --

func renderJS(d Descriptor, top bool) string {
	var b strings.Builder
	writeJSCall(&b, d, top)
	for _, f := range d.Filters {
		b.WriteString(".filter({ ")
		b.WriteString(string(f.Type))
		b.WriteString(": ")
		if f.Locator != nil {
			b.WriteString(renderJS(*f.Locator, false))
		} else {
			b.WriteString(jsValue(f.Text))
		}
		b.WriteString(" })")
	}
	if d.Child != nil {
		b.WriteByte('.')
		b.WriteString(renderJS(*d.Child, false))
	}
	return b.String()
}

func writeJSCall(b *strings.Builder, d Descriptor, top bool) {
	switch d.Kind {
	case KindCSS, KindXPath:
		sel := selectorString(d)
		if top && len(d.Filters) == 0 && d.Child == nil {
			if bare := parseTop(sel); bare.Equal(Descriptor{Kind: d.Kind, Value: d.Value}) {
				b.WriteString(sel)
				return
			}
		}
		b.WriteString("locator(")
		b.WriteString(jsQuote(sel))
		b.WriteByte(')')
		return
	}

	b.WriteString(jsMethod[d.Kind])
	b.WriteByte('(')
	b.WriteString(jsValue(d.Value))
	opts := jsOptions(d.Options)
	if opts != "" {
		b.WriteString(", { ")
		b.WriteString(opts)
		b.WriteString(" }")
	}
	b.WriteByte(')')
}

// parseTop is Parse without the error path; selectorString never yields an invalid hint.
func parseTop(s string) Descriptor {
	d, err := Parse(s)
	if err != nil {
		return Descriptor{}
	}
	return d
}

// selectorString renders a css or xpath descriptor as a selector string that parseSelector maps
// back onto the same descriptor.
func selectorString(d Descriptor) string {
	v := d.Value.Text
	if d.Kind == KindXPath {
		if parseSelector(v).Equal(Descriptor{Kind: KindXPath, Value: d.Value}) {
			return v
		}
		return "xpath=" + v
	}
	if parseSelector(v).Equal(Descriptor{Kind: KindCSS, Value: d.Value}) {
		return v
	}
	return "css=" + v
}

var jsMethod = map[Kind]string{
	KindRole:        "getByRole",
	KindText:        "getByText",
	KindLabel:       "getByLabel",
	KindPlaceholder: "getByPlaceholder",
	KindTestID:      "getByTestId",
	KindAltText:     "getByAltText",
	KindTitle:       "getByTitle",
}

func jsOptions(o Options) string {
	var parts []string
	if o.Name != nil {
		parts = append(parts, "name: "+jsValue(*o.Name))
	}
	if o.Exact {
		parts = append(parts, "exact: true")
	}
	add := func(key string, v *bool) {
		if v != nil {
			parts = append(parts, key+": "+strconv.FormatBool(*v))
		}
	}
	add("checked", o.Checked)
	add("disabled", o.Disabled)
	add("expanded", o.Expanded)
	add("includeHidden", o.IncludeHidden)
	if o.Level != 0 {
		parts = append(parts, "level: "+strconv.Itoa(o.Level))
	}
	add("pressed", o.Pressed)
	add("selected", o.Selected)
	return strings.Join(parts, ", ")
}

func jsValue(v Value) string {
	if v.Regex {
		return "/" + escapeRegexDelimiter(v.Text) + "/" + v.Flags.jsFlags()
	}
	return jsQuote(v.Text)
}

func escapeRegexDelimiter(src string) string {
	var b strings.Builder
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '\\':
			b.WriteByte('\\')
			if i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			}
			continue
		case '/':
			b.WriteString(`\/`)
			continue
		}
		b.WriteByte(src[i])
	}
	return b.String()
}

func jsQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'':
			b.WriteString(`\'`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if unicode.IsControl(r) {
				writeUnicodeEscape(&b, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}

func writeUnicodeEscape(b *strings.Builder, r rune) {
	fmt.Fprintf(b, `\u%04x`, r)
}

// -- Java and Python --

// codeSyntax captures the differences between the Java and Python Playwright bindings.
type codeSyntax struct {
	method  func(k Kind) string
	role    func(role string) string
	options func(k Kind, child bool, o Options) []string
	regex   func(v Value) string
	filter  func(f Filter, nested string) string
	locator func(sel string) string
	quote   func(s string) string
}

func renderCode(d Descriptor, syn codeSyntax, top bool) string {
	var b strings.Builder
	if top {
		b.WriteString("page.")
	}
	writeCodeChain(&b, d, syn, !top)
	return b.String()
}

func writeCodeChain(b *strings.Builder, d Descriptor, syn codeSyntax, child bool) {
	switch d.Kind {
	case KindCSS, KindXPath:
		b.WriteString(syn.locator(selectorString(d)))
	default:
		b.WriteString(syn.method(d.Kind))
		b.WriteByte('(')
		if d.Kind == KindRole {
			b.WriteString(syn.role(d.Value.Text))
		} else {
			b.WriteString(codeValue(d.Value, syn))
		}
		for _, o := range syn.options(d.Kind, child, d.Options) {
			b.WriteString(", ")
			b.WriteString(o)
		}
		b.WriteByte(')')
	}
	for _, f := range d.Filters {
		nested := ""
		if f.Locator != nil {
			nested = renderCode(*f.Locator, syn, true)
		}
		b.WriteString(syn.filter(f, nested))
	}
	if d.Child != nil {
		b.WriteByte('.')
		writeCodeChain(b, *d.Child, syn, true)
	}
}

func codeValue(v Value, syn codeSyntax) string {
	if v.Regex {
		return syn.regex(v)
	}
	return syn.quote(v.Text)
}

// cQuote produces a double-quoted literal valid in both Java and Python.
func cQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if unicode.IsControl(r) {
				writeUnicodeEscape(&b, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

var javaSyntax = codeSyntax{
	method: func(k Kind) string { return jsMethod[k] },
	role: func(role string) string {
		return "AriaRole." + strings.ToUpper(role)
	},
	options: func(k Kind, child bool, o Options) []string {
		owner := "Page"
		if child {
			owner = "Locator"
		}
		typ := strings.ToUpper(jsMethod[k][:1]) + jsMethod[k][1:] + "Options"
		var setters strings.Builder
		if o.Name != nil {
			setters.WriteString(".setName(" + javaValue(*o.Name) + ")")
		}
		if o.Exact {
			setters.WriteString(".setExact(true)")
		}
		set := func(name string, v *bool) {
			if v != nil {
				setters.WriteString(".set" + name + "(" + strconv.FormatBool(*v) + ")")
			}
		}
		set("Checked", o.Checked)
		set("Disabled", o.Disabled)
		set("Expanded", o.Expanded)
		set("IncludeHidden", o.IncludeHidden)
		if o.Level != 0 {
			setters.WriteString(".setLevel(" + strconv.Itoa(o.Level) + ")")
		}
		set("Pressed", o.Pressed)
		set("Selected", o.Selected)
		if setters.Len() == 0 || k == KindTestID {
			return nil
		}
		return []string{"new " + owner + "." + typ + "()" + setters.String()}
	},
	regex: javaRegex,
	filter: func(f Filter, nested string) string {
		var setter string
		switch f.Type {
		case FilterHasText:
			setter = ".setHasText(" + javaValue(f.Text) + ")"
		case FilterHasNotText:
			setter = ".setHasNotText(" + javaValue(f.Text) + ")"
		case FilterHas:
			setter = ".setHas(" + nested + ")"
		case FilterHasNot:
			setter = ".setHasNot(" + nested + ")"
		}
		return ".filter(new Locator.FilterOptions()" + setter + ")"
	},
	locator: func(sel string) string { return "locator(" + cQuote(sel) + ")" },
	quote:   cQuote,
}

var pythonSyntax = codeSyntax{
	method: func(k Kind) string { return pythonMethod[k] },
	role:   func(role string) string { return cQuote(role) },
	options: func(k Kind, _ bool, o Options) []string {
		var out []string
		if o.Name != nil {
			out = append(out, "name="+pythonValue(*o.Name))
		}
		if o.Exact {
			out = append(out, "exact=True")
		}
		set := func(name string, v *bool) {
			if v != nil {
				out = append(out, name+"="+pythonBool(*v))
			}
		}
		set("checked", o.Checked)
		set("disabled", o.Disabled)
		set("expanded", o.Expanded)
		set("include_hidden", o.IncludeHidden)
		if o.Level != 0 {
			out = append(out, "level="+strconv.Itoa(o.Level))
		}
		set("pressed", o.Pressed)
		set("selected", o.Selected)
		return out
	},
	regex: pythonRegex,
	filter: func(f Filter, nested string) string {
		switch f.Type {
		case FilterHasText:
			return ".filter(has_text=" + pythonValue(f.Text) + ")"
		case FilterHasNotText:
			return ".filter(has_not_text=" + pythonValue(f.Text) + ")"
		case FilterHas:
			return ".filter(has=" + nested + ")"
		default:
			return ".filter(has_not=" + nested + ")"
		}
	},
	locator: func(sel string) string { return "locator(" + cQuote(sel) + ")" },
	quote:   cQuote,
}

func javaValue(v Value) string {
	if v.Regex {
		return javaRegex(v)
	}
	return cQuote(v.Text)
}

func pythonValue(v Value) string {
	if v.Regex {
		return pythonRegex(v)
	}
	return cQuote(v.Text)
}

func javaRegex(v Value) string {
	var flags []string
	if v.Flags.Has(FlagIgnoreCase) {
		flags = append(flags, "Pattern.CASE_INSENSITIVE")
	}
	if v.Flags.Has(FlagMultiline) {
		flags = append(flags, "Pattern.MULTILINE")
	}
	if v.Flags.Has(FlagDotAll) {
		flags = append(flags, "Pattern.DOTALL")
	}
	if len(flags) == 0 {
		return "Pattern.compile(" + cQuote(v.Text) + ")"
	}
	return "Pattern.compile(" + cQuote(v.Text) + ", " + strings.Join(flags, " | ") + ")"
}

func pythonRegex(v Value) string {
	var flags []string
	if v.Flags.Has(FlagIgnoreCase) {
		flags = append(flags, "re.IGNORECASE")
	}
	if v.Flags.Has(FlagMultiline) {
		flags = append(flags, "re.MULTILINE")
	}
	if v.Flags.Has(FlagDotAll) {
		flags = append(flags, "re.DOTALL")
	}
	if len(flags) == 0 {
		return "re.compile(" + cQuote(v.Text) + ")"
	}
	return "re.compile(" + cQuote(v.Text) + ", " + strings.Join(flags, " | ") + ")"
}

var pythonMethod = map[Kind]string{
	KindRole:        "get_by_role",
	KindText:        "get_by_text",
	KindLabel:       "get_by_label",
	KindPlaceholder: "get_by_placeholder",
	KindTestID:      "get_by_test_id",
	KindAltText:     "get_by_alt_text",
	KindTitle:       "get_by_title",
}

func pythonBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// -- CSS --

// RenderCSS converts d into a CSS selector, using testIDAttr for test-id hints. Role, text and
// label hints, regex values and filters have no CSS equivalent.
func RenderCSS(d Descriptor, testIDAttr string) (string, error) {
	if len(d.Filters) > 0 {
		return "", fmt.Errorf("%w: filters", ErrNotExpressible)
	}
	if d.Value.Regex {
		return "", fmt.Errorf("%w: regex value", ErrNotExpressible)
	}
	var sel string
	switch d.Kind {
	case KindCSS:
		sel = d.Value.Text
	case KindTestID:
		sel = fmt.Sprintf("[%s=%s]", testIDAttr, cQuote(d.Value.Text))
	case KindPlaceholder:
		sel = cssAttr("placeholder", d)
	case KindAltText:
		sel = cssAttr("alt", d)
	case KindTitle:
		sel = cssAttr("title", d)
	case KindRole, KindText, KindLabel, KindXPath:
		return "", fmt.Errorf("%w: %s", ErrNotExpressible, d.Kind)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrNotExpressible, d.Kind)
	}
	if d.Child != nil {
		child, err := RenderCSS(*d.Child, testIDAttr)
		if err != nil {
			return "", err
		}
		sel += " " + child
	}
	return sel, nil
}

func cssAttr(attr string, d Descriptor) string {
	if d.Options.Exact {
		return fmt.Sprintf("[%s=%s]", attr, cQuote(d.Value.Text))
	}
	return fmt.Sprintf("[%s*=%s i]", attr, cQuote(d.Value.Text))
}

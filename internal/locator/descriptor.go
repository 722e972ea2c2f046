// Package locator models locator hints as structured descriptors and converts them to and from
// selector strings in several dialects.
package locator

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Kind is the discriminant of a Descriptor.
type Kind string

const (
	KindRole        Kind = "role"
	KindText        Kind = "text"
	KindLabel       Kind = "label"
	KindPlaceholder Kind = "placeholder"
	KindTestID      Kind = "testId"
	KindAltText     Kind = "altText"
	KindTitle       Kind = "title"
	KindCSS         Kind = "css"
	KindXPath       Kind = "xpath"
)

// Kinds lists every descriptor kind in a stable order.
var Kinds = []Kind{
	KindRole, KindText, KindLabel, KindPlaceholder, KindTestID,
	KindAltText, KindTitle, KindCSS, KindXPath,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Flags is the symbolic flag set of a regex value.
type Flags uint8

const (
	FlagIgnoreCase Flags = 1 << iota
	FlagMultiline
	FlagDotAll
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// jsFlags renders the set as JavaScript regex flag characters in canonical order.
func (f Flags) jsFlags() string {
	var b strings.Builder
	if f.Has(FlagIgnoreCase) {
		b.WriteByte('i')
	}
	if f.Has(FlagMultiline) {
		b.WriteByte('m')
	}
	if f.Has(FlagDotAll) {
		b.WriteByte('s')
	}
	return b.String()
}

// parseJSFlags maps JavaScript flag characters to a flag set. Flags that have no meaning for
// element matching (g, u, y, d, v) are accepted and dropped.
func parseJSFlags(s string) (Flags, error) {
	var f Flags
	for _, r := range s {
		switch r {
		case 'i':
			f |= FlagIgnoreCase
		case 'm':
			f |= FlagMultiline
		case 's':
			f |= FlagDotAll
		case 'g', 'u', 'y', 'd', 'v':
		default:
			return 0, fmt.Errorf("unknown regex flag %q", r)
		}
	}
	return f, nil
}

// Value is either a plain string or a regex pattern with an explicit flag set.
type Value struct {
	Text  string
	Regex bool
	Flags Flags
}

// String returns a plain string value.
func String(s string) Value { return Value{Text: s} }

// Pattern returns a regex value.
func Pattern(source string, flags Flags) Value {
	return Value{Text: source, Regex: true, Flags: flags}
}

// Regexp compiles a regex value using Go inline flags derived from the flag set.
func (v Value) Regexp() (*regexp.Regexp, error) {
	if !v.Regex {
		return regexp.Compile(regexp.QuoteMeta(v.Text))
	}
	var prefix string
	if v.Flags != 0 {
		var b strings.Builder
		b.WriteString("(?")
		if v.Flags.Has(FlagIgnoreCase) {
			b.WriteByte('i')
		}
		if v.Flags.Has(FlagMultiline) {
			b.WriteByte('m')
		}
		if v.Flags.Has(FlagDotAll) {
			b.WriteByte('s')
		}
		b.WriteByte(')')
		prefix = b.String()
	}
	return regexp.Compile(prefix + v.Text)
}

// Options holds the per-kind options of a getBy* hint.
type Options struct {
	// Name constrains the accessible name of a role hint.
	Name *Value
	// Exact requests whole-string, case-sensitive matching for string values.
	Exact bool

	Checked       *bool
	Disabled      *bool
	Expanded      *bool
	Pressed       *bool
	Selected      *bool
	IncludeHidden *bool
	Level         int
}

func (o Options) empty() bool {
	return o.Name == nil && !o.Exact && o.Checked == nil && o.Disabled == nil &&
		o.Expanded == nil && o.Pressed == nil && o.Selected == nil && o.IncludeHidden == nil &&
		o.Level == 0
}

// FilterType enumerates filter clauses.
type FilterType string

const (
	FilterHasText    FilterType = "hasText"
	FilterHasNotText FilterType = "hasNotText"
	FilterHas        FilterType = "has"
	FilterHasNot     FilterType = "hasNot"
)

// Filter narrows the elements matched by a descriptor. Text filters use Text, locator filters use
// Locator.
type Filter struct {
	Type    FilterType
	Text    Value
	Locator *Descriptor
}

// Descriptor is the canonical structured form of a locator hint.
type Descriptor struct {
	Kind    Kind
	Value   Value
	Options Options
	Filters []Filter
	Child   *Descriptor
}

// Equal reports deep equality of two descriptors.
func (d Descriptor) Equal(o Descriptor) bool {
	return reflect.DeepEqual(normalizeNil(d), normalizeNil(o))
}

// normalizeNil makes an empty filter list and a nil one compare equal.
func normalizeNil(d Descriptor) Descriptor {
	if len(d.Filters) == 0 {
		d.Filters = nil
	} else {
		fs := make([]Filter, len(d.Filters))
		for i, f := range d.Filters {
			if f.Locator != nil {
				n := normalizeNil(*f.Locator)
				f.Locator = &n
			}
			fs[i] = f
		}
		d.Filters = fs
	}
	if d.Child != nil {
		c := normalizeNil(*d.Child)
		d.Child = &c
	}
	return d
}

// IsStructural reports whether the descriptor is a plain CSS or XPath selector with no
// narrowing clauses.
func (d Descriptor) IsStructural() bool {
	return (d.Kind == KindCSS || d.Kind == KindXPath) && len(d.Filters) == 0 && d.Child == nil
}

// Validate checks the invariants every descriptor must satisfy.
func (d Descriptor) Validate() error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown descriptor kind %q", d.Kind)
	}
	if d.Value.Text == "" && !d.Value.Regex {
		return fmt.Errorf("%s descriptor has an empty value", d.Kind)
	}
	if d.Value.Regex && (d.Kind == KindRole || d.Kind == KindCSS || d.Kind == KindXPath) {
		return fmt.Errorf("%s descriptor cannot take a regex value", d.Kind)
	}
	for i, f := range d.Filters {
		switch f.Type {
		case FilterHasText, FilterHasNotText:
			if f.Locator != nil {
				return fmt.Errorf("filter %d (%s) carries a locator", i, f.Type)
			}
		case FilterHas, FilterHasNot:
			if f.Locator == nil {
				return fmt.Errorf("filter %d (%s) has no locator", i, f.Type)
			}
			if err := f.Locator.Validate(); err != nil {
				return fmt.Errorf("filter %d: %w", i, err)
			}
		default:
			return fmt.Errorf("filter %d has unknown type %q", i, f.Type)
		}
	}
	if d.Child != nil {
		if err := d.Child.Validate(); err != nil {
			return fmt.Errorf("child: %w", err)
		}
	}
	return nil
}

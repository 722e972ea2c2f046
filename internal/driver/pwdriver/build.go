package pwdriver

import (
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/xkilldash9x/autoheal/internal/locator"
)

// finder abstracts the getBy* surface shared by playwright.Page and playwright.Locator, whose
// option types differ.
type finder interface {
	locate(selector string) playwright.Locator
	byRole(role string, opts roleOptions) playwright.Locator
	byText(kind locator.Kind, text any, exact *bool) playwright.Locator
	byTestID(id any) playwright.Locator
}

// roleOptions is the driver-neutral form of the role options.
type roleOptions struct {
	Name          any
	Exact         *bool
	Checked       *bool
	Disabled      *bool
	Expanded      *bool
	Pressed       *bool
	Selected      *bool
	IncludeHidden *bool
	Level         *int
}

type pageFinder struct{ page playwright.Page }

func (f pageFinder) locate(selector string) playwright.Locator { return f.page.Locator(selector) }

func (f pageFinder) byRole(role string, o roleOptions) playwright.Locator {
	return f.page.GetByRole(playwright.AriaRole(role), playwright.PageGetByRoleOptions{
		Name: o.Name, Exact: o.Exact, Checked: o.Checked, Disabled: o.Disabled, Expanded: o.Expanded,
		Pressed: o.Pressed, Selected: o.Selected, IncludeHidden: o.IncludeHidden, Level: o.Level,
	})
}

func (f pageFinder) byText(kind locator.Kind, text any, exact *bool) playwright.Locator {
	switch kind {
	case locator.KindLabel:
		return f.page.GetByLabel(text, playwright.PageGetByLabelOptions{Exact: exact})
	case locator.KindPlaceholder:
		return f.page.GetByPlaceholder(text, playwright.PageGetByPlaceholderOptions{Exact: exact})
	case locator.KindAltText:
		return f.page.GetByAltText(text, playwright.PageGetByAltTextOptions{Exact: exact})
	case locator.KindTitle:
		return f.page.GetByTitle(text, playwright.PageGetByTitleOptions{Exact: exact})
	}
	return f.page.GetByText(text, playwright.PageGetByTextOptions{Exact: exact})
}

func (f pageFinder) byTestID(id any) playwright.Locator { return f.page.GetByTestId(id) }

type locatorFinder struct {
	page playwright.Page
	loc  playwright.Locator
}

func (f locatorFinder) locate(selector string) playwright.Locator { return f.loc.Locator(selector) }

func (f locatorFinder) byRole(role string, o roleOptions) playwright.Locator {
	return f.loc.GetByRole(playwright.AriaRole(role), playwright.LocatorGetByRoleOptions{
		Name: o.Name, Exact: o.Exact, Checked: o.Checked, Disabled: o.Disabled, Expanded: o.Expanded,
		Pressed: o.Pressed, Selected: o.Selected, IncludeHidden: o.IncludeHidden, Level: o.Level,
	})
}

func (f locatorFinder) byText(kind locator.Kind, text any, exact *bool) playwright.Locator {
	switch kind {
	case locator.KindLabel:
		return f.loc.GetByLabel(text, playwright.LocatorGetByLabelOptions{Exact: exact})
	case locator.KindPlaceholder:
		return f.loc.GetByPlaceholder(text, playwright.LocatorGetByPlaceholderOptions{Exact: exact})
	case locator.KindAltText:
		return f.loc.GetByAltText(text, playwright.LocatorGetByAltTextOptions{Exact: exact})
	case locator.KindTitle:
		return f.loc.GetByTitle(text, playwright.LocatorGetByTitleOptions{Exact: exact})
	}
	return f.loc.GetByText(text, playwright.LocatorGetByTextOptions{Exact: exact})
}

func (f locatorFinder) byTestID(id any) playwright.Locator { return f.loc.GetByTestId(id) }

// build converts a descriptor into a native locator rooted at f.
func build(f finder, d locator.Descriptor) (playwright.Locator, error) {
	var (
		loc playwright.Locator
		err error
	)
	switch d.Kind {
	case locator.KindCSS:
		loc = f.locate(d.Value.Text)
	case locator.KindXPath:
		loc = f.locate("xpath=" + strings.TrimPrefix(d.Value.Text, "xpath="))
	case locator.KindRole:
		var opts roleOptions
		if opts, err = roleOptionsOf(d.Options); err != nil {
			return nil, err
		}
		loc = f.byRole(d.Value.Text, opts)
	case locator.KindTestID:
		var v any
		if v, err = nativeValue(d.Value); err != nil {
			return nil, err
		}
		loc = f.byTestID(v)
	case locator.KindText, locator.KindLabel, locator.KindPlaceholder, locator.KindAltText, locator.KindTitle:
		var v any
		if v, err = nativeValue(d.Value); err != nil {
			return nil, err
		}
		loc = f.byText(d.Kind, v, exactOf(d.Options))
	default:
		return nil, fmt.Errorf("unsupported descriptor kind %q", d.Kind)
	}

	for _, filter := range d.Filters {
		if loc, err = applyFilter(f, loc, filter); err != nil {
			return nil, err
		}
	}
	if d.Child != nil {
		return build(locatorFinder{page: pageOf(f), loc: loc}, *d.Child)
	}
	return loc, nil
}

// applyFilter narrows loc. Inner locators of has/hasNot are built from the page root, which is
// how Playwright expects them.
func applyFilter(f finder, loc playwright.Locator, filter locator.Filter) (playwright.Locator, error) {
	var opts playwright.LocatorFilterOptions
	switch filter.Type {
	case locator.FilterHasText, locator.FilterHasNotText:
		v, err := nativeValue(filter.Text)
		if err != nil {
			return nil, err
		}
		if filter.Type == locator.FilterHasText {
			opts.HasText = v
		} else {
			opts.HasNotText = v
		}
	case locator.FilterHas, locator.FilterHasNot:
		if filter.Locator == nil {
			return nil, fmt.Errorf("%s filter without a locator", filter.Type)
		}
		inner, err := build(pageFinder{page: pageOf(f)}, *filter.Locator)
		if err != nil {
			return nil, err
		}
		if filter.Type == locator.FilterHas {
			opts.Has = inner
		} else {
			opts.HasNot = inner
		}
	default:
		return nil, fmt.Errorf("unknown filter %q", filter.Type)
	}
	return loc.Filter(opts), nil
}

func pageOf(f finder) playwright.Page {
	switch v := f.(type) {
	case pageFinder:
		return v.page
	case locatorFinder:
		return v.page
	}
	return nil
}

// nativeValue converts a locator value into the string or *regexp.Regexp Playwright accepts.
func nativeValue(v locator.Value) (any, error) {
	if !v.Regex {
		return v.Text, nil
	}
	re, err := v.Regexp()
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", v.Text, err)
	}
	return re, nil
}

func exactOf(o locator.Options) *bool {
	if o.Exact {
		return playwright.Bool(true)
	}
	return nil
}

func roleOptionsOf(o locator.Options) (roleOptions, error) {
	opts := roleOptions{
		Exact:         exactOf(o),
		Checked:       o.Checked,
		Disabled:      o.Disabled,
		Expanded:      o.Expanded,
		Pressed:       o.Pressed,
		Selected:      o.Selected,
		IncludeHidden: o.IncludeHidden,
	}
	if o.Level > 0 {
		opts.Level = playwright.Int(o.Level)
	}
	if o.Name != nil {
		name, err := nativeValue(*o.Name)
		if err != nil {
			return roleOptions{}, err
		}
		opts.Name = name
	}
	return opts, nil
}

package locator

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripCorpus covers every kind, with and without filters, options and regex values.
var roundTripCorpus = []Descriptor{
	{Kind: KindRole, Value: String("button")},
	{Kind: KindRole, Value: String("button"), Options: Options{Name: valuePtr(String("Login")), Exact: true}},
	{Kind: KindRole, Value: String("link"), Options: Options{Name: valuePtr(Pattern("sign (in|up)", FlagIgnoreCase))}},
	{Kind: KindRole, Value: String("tab"), Options: Options{Selected: boolPtr(true), Disabled: boolPtr(false), IncludeHidden: boolPtr(true)}},
	{Kind: KindText, Value: String("Welcome")},
	{Kind: KindText, Value: String("it's \"quoted\"\n"), Options: Options{Exact: true}},
	{Kind: KindText, Value: Pattern("^total: \\d+/month$", FlagMultiline|FlagDotAll)},
	{Kind: KindLabel, Value: String("Password")},
	{Kind: KindLabel, Value: Pattern("e-?mail", FlagIgnoreCase)},
	{Kind: KindPlaceholder, Value: String("Username"), Options: Options{Exact: true}},
	{Kind: KindTestID, Value: String("add-phone")},
	{Kind: KindTestID, Value: Pattern("add-.*", 0)},
	{Kind: KindAltText, Value: String("Company logo")},
	{Kind: KindTitle, Value: Pattern("close", FlagIgnoreCase)},
	{Kind: KindCSS, Value: String("input[data-test='login-button']")},
	{Kind: KindCSS, Value: String("getByRole('x'")},
	{Kind: KindXPath, Value: String("//form//button[@type='submit']")},
	{Kind: KindXPath, Value: String("div/span")},
	{
		Kind:  KindRole,
		Value: String("listitem"),
		Filters: []Filter{
			{Type: FilterHasText, Text: Pattern("product 2", FlagIgnoreCase)},
			{Type: FilterHasNotText, Text: String("Out of stock")},
			{Type: FilterHas, Locator: &Descriptor{Kind: KindRole, Value: String("img")}},
			{Type: FilterHasNot, Locator: &Descriptor{Kind: KindCSS, Value: String(".sold-out")}},
		},
		Child: &Descriptor{Kind: KindRole, Value: String("button"), Options: Options{Name: valuePtr(String("Add to cart"))}},
	},
	{
		Kind:    KindCSS,
		Value:   String("ul.products > li"),
		Filters: []Filter{{Type: FilterHasText, Text: String("Phone")}},
		Child:   &Descriptor{Kind: KindXPath, Value: String("//button"), Child: &Descriptor{Kind: KindTestID, Value: String("buy")}},
	},
}

func TestRender_RoundTrip(t *testing.T) {
	for _, d := range roundTripCorpus {
		rendered, err := Render(d, DialectJavaScript)
		require.NoError(t, err)

		parsed, err := Parse(rendered)
		require.NoError(t, err)
		if !d.Equal(parsed) {
			t.Errorf("round trip of %q changed the descriptor:\n%s", rendered, cmp.Diff(d, parsed))
		}

		again, err := Render(parsed, DialectJavaScript)
		require.NoError(t, err)
		assert.Equal(t, rendered, again, "canonical rendering must be stable")
	}
}

func TestRender_Dialects(t *testing.T) {
	d := MustParse(`getByRole('listitem').filter({ hasText: /product 2/i }).getByRole('button', { name: 'Add to cart', exact: true })`)

	java, err := Render(d, DialectJava)
	require.NoError(t, err)
	assert.Equal(t,
		`page.getByRole(AriaRole.LISTITEM).filter(new Locator.FilterOptions().setHasText(Pattern.compile("product 2", Pattern.CASE_INSENSITIVE))).getByRole(AriaRole.BUTTON, new Locator.GetByRoleOptions().setName("Add to cart").setExact(true))`,
		java)

	py, err := Render(d, DialectPython)
	require.NoError(t, err)
	assert.Equal(t,
		`page.get_by_role("listitem").filter(has_text=re.compile("product 2", re.IGNORECASE)).get_by_role("button", name="Add to cart", exact=True)`,
		py)

	js, err := Render(MustParse(`//div`), DialectJavaScript)
	require.NoError(t, err)
	assert.Equal(t, `//div`, js)
}

func TestRender_CSS(t *testing.T) {
	tests := []struct {
		hint string
		want string
	}{
		{`getByTestId('add-phone')`, `[data-testid="add-phone"]`},
		{`getByPlaceholder('Username')`, `[placeholder*="Username" i]`},
		{`getByAltText('Logo', { exact: true })`, `[alt="Logo"]`},
		{`locator('form').getByTitle('Help')`, `form [title*="Help" i]`},
		{`#login`, `#login`},
	}
	for _, tc := range tests {
		got, err := Render(MustParse(tc.hint), DialectCSS)
		require.NoError(t, err, tc.hint)
		assert.Equal(t, tc.want, got)
	}

	for _, hint := range []string{`getByRole('button')`, `getByText(/x/)`, `//div`, `locator('li').filter({ hasText: 'x' })`} {
		_, err := Render(MustParse(hint), DialectCSS)
		assert.ErrorIs(t, err, ErrNotExpressible, hint)
	}
}

func TestRender_RejectsInvalidDescriptor(t *testing.T) {
	_, err := Render(Descriptor{Kind: "bogus", Value: String("x")}, DialectJavaScript)
	assert.Error(t, err)
	_, err = Render(Descriptor{Kind: KindRole, Value: Pattern("button", 0)}, DialectJavaScript)
	assert.Error(t, err)
	_, err = Render(Descriptor{Kind: KindRole, Value: String("list"), Filters: []Filter{{Type: FilterHas}}}, DialectJavaScript)
	assert.Error(t, err)
}

// fuzzHint is populated from fuzzer bytes and assembled into a descriptor.
type fuzzHint struct {
	Kind       uint8
	Value      string
	Regex      bool
	Flags      uint8
	Name       string
	Exact      bool
	FilterText string
	ChildCSS   string
}

func FuzzRenderParseIdempotent(f *testing.F) {
	f.Add([]byte("seed"))
	f.Add([]byte(`getByRole('button', { name: /x/i })`))
	f.Fuzz(func(t *testing.T, data []byte) {
		var h fuzzHint
		if err := fuzz.NewConsumer(data).GenerateStruct(&h); err != nil {
			return
		}
		d := Descriptor{Kind: Kinds[int(h.Kind)%len(Kinds)], Value: String(h.Value)}
		if h.Regex && d.Kind != KindRole && d.Kind != KindCSS && d.Kind != KindXPath {
			d.Value = Pattern(h.Value, Flags(h.Flags)&(FlagIgnoreCase|FlagMultiline|FlagDotAll))
		}
		if d.Kind == KindRole && h.Name != "" {
			d.Options.Name = valuePtr(String(h.Name))
		}
		d.Options.Exact = h.Exact && d.Kind != KindCSS && d.Kind != KindXPath && d.Kind != KindTestID
		if h.FilterText != "" {
			d.Filters = []Filter{{Type: FilterHasText, Text: String(h.FilterText)}}
		}
		if h.ChildCSS != "" {
			d.Child = &Descriptor{Kind: KindCSS, Value: String(h.ChildCSS)}
		}

		rendered, err := Render(d, DialectJavaScript)
		if err != nil {
			return
		}
		first, err := Parse(rendered)
		if err != nil {
			return
		}
		// Whatever the parser produces must survive another render/parse cycle unchanged.
		second, err := Parse(Canonical(first))
		require.NoError(t, err)
		if !first.Equal(second) {
			t.Fatalf("not idempotent for %q:\n%s", rendered, cmp.Diff(first, second))
		}
	})
}

package htmldriver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/driver/htmldriver"
	"github.com/xkilldash9x/autoheal/internal/locator"
)

const shop = `<!DOCTYPE html>
<html><head><title>Shop</title><script>var x = "Add to cart";</script></head>
<body>
  <nav id="top"><a href="/">Home</a><a href="/cart" title="Your cart">Cart</a></nav>
  <h1>Products</h1>
  <h2 aria-level="3">Deals</h2>
  <form id="login">
    <label for="user">Username</label><input id="user" placeholder="you@example.com">
    <label>Password <input type="password" name="pw"></label>
    <input type="checkbox" aria-label="Remember me" checked>
    <input type="submit" value="Sign in">
    <button disabled>Reset</button>
  </form>
  <ul class="products">
    <li class="product" data-testid="p-laptop">Laptop <span>$999</span> <button>Add to cart</button></li>
    <li class="product" data-testid="p-phone">Phone <span>$599</span> <button>Add to cart</button></li>
    <li class="product" data-testid="p-tablet">Tablet <span>$399</span> <button>Add to cart</button></li>
  </ul>
  <img src="logo.png" alt="Company logo">
  <div hidden><button>Secret</button></div>
  <button aria-expanded="true" aria-pressed="false">Menu</button>
</body></html>`

func newDriver(t *testing.T) *htmldriver.Driver {
	t.Helper()
	d, err := htmldriver.NewFromString(shop, htmldriver.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return d
}

func resolveTexts(t *testing.T, d *htmldriver.Driver, selector string) []string {
	t.Helper()
	ctx := context.Background()
	handles, err := d.TryResolve(ctx, selector)
	require.NoError(t, err)
	texts := make([]string, 0, len(handles))
	for _, h := range handles {
		sum, err := d.Describe(ctx, h)
		require.NoError(t, err)
		texts = append(texts, sum.Text)
	}
	return texts
}

// -- Test Cases: Descriptor kinds --

func TestTryResolve_Kinds(t *testing.T) {
	d := newDriver(t)

	tests := []struct {
		name     string
		selector string
		want     []string
	}{
		{"css", "li.product > button", []string{"Add to cart", "Add to cart", "Add to cart"}},
		{"css no match", "#missing", []string{}},
		{"xpath", "//nav/a[2]", []string{"Cart"}},
		{"engine text", "text=Sign in", []string{"Sign in"}},
		{"role with name", `getByRole('link', { name: 'Cart' })`, []string{"Cart"}},
		{"role heading level", `getByRole('heading', { level: 3 })`, []string{"Deals"}},
		{"role excludes hidden", `getByRole('button', { name: 'Secret' })`, []string{}},
		{"role includes hidden", `getByRole('button', { name: 'Secret', includeHidden: true })`, []string{"Secret"}},
		{"role checked", `getByRole('checkbox', { checked: true })`, []string{""}},
		{"role disabled", `getByRole('button', { disabled: true })`, []string{"Reset"}},
		{"role expanded", `getByRole('button', { expanded: true })`, []string{"Menu"}},
		{"submit input name", `getByRole('button', { name: 'Sign in', exact: true })`, []string{"Sign in"}},
		{"text innermost", `getByText('Add to cart')`, []string{"Add to cart", "Add to cart", "Add to cart"}},
		{"text exact miss", `getByText('add to cart', { exact: true })`, []string{}},
		{"text regex", `getByText(/^ph/i)`, []string{"Phone $599 Add to cart"}},
		{"label for", `getByLabel('Username')`, []string{"you@example.com"}},
		{"label wrapping", `getByLabel('Password')`, []string{""}},
		{"aria label", `getByLabel('Remember')`, []string{""}},
		{"placeholder", `getByPlaceholder('example.com')`, []string{"you@example.com"}},
		{"test id exact", `getByTestId('p-phone')`, []string{"Phone $599 Add to cart"}},
		{"test id no substring", `getByTestId('p-')`, []string{}},
		{"alt text", `getByAltText('logo')`, []string{""}},
		{"title", `getByTitle('Your cart')`, []string{"Cart"}},
		{"filter has text then child", `locator('li').filter({ hasText: 'Phone' }).getByRole('button')`, []string{"Add to cart"}},
		{"filter has not text", `locator('li.product').filter({ hasNotText: 'Phone' })`, []string{"Laptop $999 Add to cart", "Tablet $399 Add to cart"}},
		{"filter has", `locator('li').filter({ has: getByText('$399') })`, []string{"Tablet $399 Add to cart"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveTexts(t, d, tc.selector))
		})
	}
}

func TestTryResolve_DocumentOrderAndIndex(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	handles, err := d.TryResolve(ctx, "li.product")
	require.NoError(t, err)
	require.Len(t, handles, 3)

	var last = -1
	for i, h := range handles {
		assert.Equal(t, i, h.Index())
		assert.Equal(t, "li.product", h.Selector())
		sum, err := d.Describe(ctx, h)
		require.NoError(t, err)
		assert.Greater(t, sum.Index, last, "handles come back in document order")
		last = sum.Index
	}
}

func TestTryResolve_InvalidXPath(t *testing.T) {
	d := newDriver(t)
	_, err := d.TryResolve(context.Background(), "//div[")
	assert.ErrorIs(t, err, htmldriver.ErrInvalidSelector)
}

func TestTryResolve_ContextCanceled(t *testing.T) {
	d := newDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.TryResolve(ctx, "li")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTryResolve_CustomTestIDAttribute(t *testing.T) {
	d, err := htmldriver.NewFromString(`<body><div data-qa="save">Save</div><div data-testid="save">Other</div></body>`,
		htmldriver.WithTestIDAttribute("data-qa"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Save"}, resolveTexts(t, d, `getByTestId('save')`))
}

// -- Test Cases: Describe --

func TestDescribe_Summary(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	handles, err := d.TryResolve(ctx, `locator('li').filter({ hasText: 'Phone' }).getByRole('button')`)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	sum, err := d.Describe(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, "button", sum.Tag)
	assert.Equal(t, "button", sum.Role)
	assert.Equal(t, "Add to cart", sum.Text)
	assert.True(t, sum.Visible)
	assert.Equal(t, `li.product "Phone $599 Add to cart"`, sum.Container)
}

func TestDescribe_HiddenAndStale(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	handles, err := d.TryResolve(ctx, "div[hidden] button")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	sum, err := d.Describe(ctx, handles[0])
	require.NoError(t, err)
	assert.False(t, sum.Visible)

	require.NoError(t, d.LoadString(`<body><p>navigated</p></body>`))
	_, err = d.Describe(ctx, handles[0])
	assert.ErrorIs(t, err, htmldriver.ErrStaleHandle)
}

type foreignHandle struct{}

func (foreignHandle) Selector() string { return "x" }
func (foreignHandle) Index() int       { return 0 }

func TestDescribe_ForeignHandle(t *testing.T) {
	d := newDriver(t)
	_, err := d.Describe(context.Background(), foreignHandle{})
	assert.Error(t, err)
}

// -- Test Cases: Snapshots and native locators --

func TestPageStructureSnapshot(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	full, err := d.PageStructureSnapshot(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, full, "<ul class=\"products\">")

	scoped, err := d.PageStructureSnapshot(ctx, "nav")
	require.NoError(t, err)
	assert.Contains(t, scoped, `href="/cart"`)
	assert.NotContains(t, scoped, "Products")

	_, err = d.Screenshot(ctx, "")
	assert.ErrorIs(t, err, htmldriver.ErrNoRendering)
}

func TestDescribeNativeLocator(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	s, err := d.DescribeNativeLocator("#login")
	require.NoError(t, err)
	assert.Equal(t, "#login", s)

	s, err = d.DescribeNativeLocator(locator.MustParse(`getByText('Cart')`))
	require.NoError(t, err)
	assert.Equal(t, `getByText('Cart')`, s)

	handles, err := d.TryResolve(ctx, "li.product")
	require.NoError(t, err)
	s, err = d.DescribeNativeLocator(handles[0])
	require.NoError(t, err)
	assert.Equal(t, "li.product", s)

	h, ok := handles[1].(*htmldriver.Handle)
	require.True(t, ok)
	s, err = d.DescribeNativeLocator(h.Node())
	require.NoError(t, err)
	assert.Equal(t, "/html[1]/body[1]/ul[1]/li[2]", s)
	assert.Equal(t, []string{"Phone $599 Add to cart"}, resolveTexts(t, d, s))

	_, err = d.DescribeNativeLocator(&html.Node{Type: html.TextNode})
	assert.Error(t, err)
	_, err = d.DescribeNativeLocator(42)
	assert.Error(t, err)
}

func TestDriver_SatisfiesInterface(t *testing.T) {
	var _ schemas.Driver = newDriver(t)
}

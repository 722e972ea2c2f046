package pwdriver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autoheal/internal/config"
	"github.com/xkilldash9x/autoheal/internal/locator"
)

func TestTimeoutMillis(t *testing.T) {
	assert.Nil(t, timeoutMillis(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ms := timeoutMillis(ctx)
	require.NotNil(t, ms)
	assert.InDelta(t, 2000, *ms, 100)

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	assert.Equal(t, 1.0, *timeoutMillis(expired))
}

func TestNativeValue(t *testing.T) {
	v, err := nativeValue(locator.String("Login"))
	require.NoError(t, err)
	assert.Equal(t, "Login", v)

	v, err = nativeValue(locator.Pattern("^log", locator.FlagIgnoreCase))
	require.NoError(t, err)
	re, ok := v.(interface{ MatchString(string) bool })
	require.True(t, ok)
	assert.True(t, re.MatchString("LOGIN"))

	_, err = nativeValue(locator.Pattern("(", 0))
	assert.Error(t, err)
}

func TestRoleOptionsOf(t *testing.T) {
	yes := true
	name := locator.String("Save")
	opts, err := roleOptionsOf(locator.Options{Name: &name, Exact: true, Checked: &yes, Level: 2})
	require.NoError(t, err)
	assert.Equal(t, "Save", opts.Name)
	require.NotNil(t, opts.Exact)
	assert.True(t, *opts.Exact)
	assert.Equal(t, &yes, opts.Checked)
	require.NotNil(t, opts.Level)
	assert.Equal(t, 2, *opts.Level)
	assert.Nil(t, opts.Disabled)

	opts, err = roleOptionsOf(locator.Options{})
	require.NoError(t, err)
	assert.Nil(t, opts.Exact)
	assert.Nil(t, opts.Level)
	assert.Nil(t, opts.Name)
}

func TestDescribeNativeLocator(t *testing.T) {
	d := New(nil, zaptest.NewLogger(t))

	s, err := d.DescribeNativeLocator(locator.MustParse(`getByRole('button', { name: 'Save' })`))
	require.NoError(t, err)
	assert.Equal(t, `getByRole('button', { name: 'Save' })`, s)

	s, err = d.DescribeNativeLocator(&Handle{selector: "#save"})
	require.NoError(t, err)
	assert.Equal(t, "#save", s)

	_, err = d.DescribeNativeLocator(3.14)
	assert.Error(t, err)
}

func TestDriver_ClosedPage(t *testing.T) {
	d := New(nil, zaptest.NewLogger(t))
	_, err := d.TryResolve(context.Background(), "#x")
	assert.ErrorIs(t, err, ErrPageClosed)
}

// TestManager_Live exercises a real browser and is skipped in short mode or when Playwright
// cannot start.
func TestManager_Live(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	cfg := config.NewDefaultConfig().Browser
	m := NewManager(cfg, zaptest.NewLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	d, err := m.Open(ctx, "")
	if err != nil {
		t.Skipf("playwright unavailable: %v", err)
	}
	defer m.Shutdown()

	require.NoError(t, d.Page().SetContent(`<ul>
		<li class="product">Laptop <button>Add to cart</button></li>
		<li class="product">Phone <button>Add to cart</button></li>
	</ul>`))

	handles, err := d.TryResolve(ctx, `locator('li').filter({ hasText: 'Phone' }).getByRole('button')`)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	sum, err := d.Describe(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, "button", sum.Tag)
	assert.Contains(t, sum.Container, "Phone")

	plural, err := d.TryResolve(ctx, `getByText('Add to cart')`)
	require.NoError(t, err)
	assert.Len(t, plural, 2)
}

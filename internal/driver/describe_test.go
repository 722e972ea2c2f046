package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeElementInfo(t *testing.T) {
	raw := map[string]interface{}{
		"index":      float64(14),
		"tag":        "button",
		"text":       "Add to cart",
		"role":       "",
		"attributes": map[string]interface{}{"data-testid": "buy"},
		"container":  `li.product "Phone $599"`,
		"visible":    true,
		"x":          10.5, "y": 20.0, "width": 80.0, "height": 24.0,
	}
	info, err := DecodeElementInfo(raw)
	require.NoError(t, err)

	sum := info.Summary()
	assert.Equal(t, 14, sum.Index)
	assert.Equal(t, "button", sum.Tag)
	assert.Equal(t, "buy", sum.Attributes["data-testid"])
	assert.Equal(t, `li.product "Phone $599"`, sum.Container)
	assert.Equal(t, 10.5, sum.Geometry.X)
	assert.Equal(t, 24.0, sum.Geometry.Height)
	assert.True(t, sum.Visible)
}

func TestDecodeElementJSON(t *testing.T) {
	info, err := DecodeElementJSON([]byte(`{"index":3,"tag":"a","text":"Cart","visible":false}`))
	require.NoError(t, err)
	assert.Equal(t, 3, info.Index)
	assert.Equal(t, "Cart", info.Text)
	assert.False(t, info.Visible)

	_, err = DecodeElementJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestAsMethod(t *testing.T) {
	assert.Equal(t, "function() { return ((el) => el.outerHTML)(this); }", AsMethod(OuterHTMLScript))
}

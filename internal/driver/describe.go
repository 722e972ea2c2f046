// Package driver holds what the browser-backed drivers share: the in-page script that
// summarizes an element and the decoding of its result.
package driver

import (
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

// DescribeScript gathers an element summary in one page round trip. It is a function of the
// element.
const DescribeScript = `(el) => {
  const norm = (s) => (s || '').replace(/\s+/g, ' ').trim();
  const attrs = {};
  for (const a of el.attributes) {
    if (a.name !== 'style') attrs[a.name] = a.value.slice(0, 120);
  }
  const landmark = ['li','tr','article','section','form','fieldset','dialog','nav','aside','header','footer'];
  let container = '';
  for (let p = el.parentElement; p && p !== document.body; p = p.parentElement) {
    const tag = p.tagName.toLowerCase();
    if (landmark.includes(tag) || p.id || p.getAttribute('role') || p.getAttribute('data-testid')) {
      const label = tag + (p.id ? '#' + p.id : (p.classList.length ? '.' + p.classList[0] : ''));
      container = label + ' ' + JSON.stringify(norm(p.innerText).slice(0, 80));
      break;
    }
  }
  const r = el.getBoundingClientRect();
  const style = getComputedStyle(el);
  const text = el.tagName === 'INPUT' ? (el.value || el.placeholder || '') : norm(el.innerText || el.textContent);
  return {
    index: Array.prototype.indexOf.call(document.getElementsByTagName('*'), el),
    tag: el.tagName.toLowerCase(),
    text: text.slice(0, 200),
    role: el.getAttribute('role') || '',
    attributes: attrs,
    container: container,
    visible: r.width > 0 && r.height > 0 && style.visibility !== 'hidden' && style.display !== 'none',
    x: r.x, y: r.y, width: r.width, height: r.height,
  };
}`

// OuterHTMLScript returns an element's outer HTML.
const OuterHTMLScript = `(el) => el.outerHTML`

// AsMethod adapts an element function for CDP's Runtime.callFunctionOn, which binds the element
// to this.
func AsMethod(script string) string {
	return "function() { return (" + script + ")(this); }"
}

// ElementInfo mirrors the object returned by DescribeScript.
type ElementInfo struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text"`
	Role       string            `json:"role"`
	Attributes map[string]string `json:"attributes"`
	Container  string            `json:"container"`
	Visible    bool              `json:"visible"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
}

// Summary converts the info into the engine's element summary.
func (e ElementInfo) Summary() schemas.ElementSummary {
	return schemas.ElementSummary{
		Index:      e.Index,
		Tag:        e.Tag,
		Text:       e.Text,
		Role:       e.Role,
		Attributes: e.Attributes,
		Container:  e.Container,
		Visible:    e.Visible,
		Geometry:   schemas.Rect{X: e.X, Y: e.Y, Width: e.Width, Height: e.Height},
	}
}

// DecodeElementInfo converts a loosely typed evaluation result, such as the map Playwright
// returns.
func DecodeElementInfo(v any) (ElementInfo, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return ElementInfo{}, fmt.Errorf("encoding element description: %w", err)
	}
	return DecodeElementJSON(raw)
}

// DecodeElementJSON decodes a by-value evaluation result, such as a CDP RemoteObject value.
func DecodeElementJSON(raw []byte) (ElementInfo, error) {
	var info ElementInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return ElementInfo{}, fmt.Errorf("decoding element description: %w", err)
	}
	return info, nil
}

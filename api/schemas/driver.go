package schemas

import "context"

// ElementHandle is an opaque reference to a live element returned by a Driver. Callers act on it
// through the driver that produced it.
type ElementHandle interface {
	// Selector is the canonical selector the handle was resolved from.
	Selector() string
	// Index is the element's position among all matches of Selector, in document order.
	Index() int
}

// Rect is an element's bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementSummary carries enough context about an element to choose between candidates without
// another page round trip.
type ElementSummary struct {
	// Index is the document-order position of the element on the page.
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Role       string            `json:"role,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	// Container describes the nearest identifying ancestor, e.g. `li.product "Phone $599"`.
	Container string `json:"container,omitempty"`
	Geometry  Rect   `json:"geometry"`
	Visible   bool   `json:"visible"`
}

// Driver is the browser-automation collaborator the engine resolves against. Implementations must
// not mutate the page.
type Driver interface {
	// TryResolve returns every element matching selector. No match is an empty slice, not an error.
	TryResolve(ctx context.Context, selector string) ([]ElementHandle, error)
	// PageStructureSnapshot returns the outer HTML of scope, or of the whole document when scope
	// is empty.
	PageStructureSnapshot(ctx context.Context, scope string) (string, error)
	// Screenshot captures scope, or the viewport when scope is empty, as PNG bytes.
	Screenshot(ctx context.Context, scope string) ([]byte, error)
	Describe(ctx context.Context, h ElementHandle) (ElementSummary, error)
	// DescribeNativeLocator recovers a selector string from a driver-native locator object.
	DescribeNativeLocator(native any) (string, error)
}

// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

// -- Driver Mock --

// MockDriver mocks the schemas.Driver interface.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) TryResolve(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	args := m.Called(ctx, selector)
	handles, _ := args.Get(0).([]schemas.ElementHandle)
	return handles, args.Error(1)
}

func (m *MockDriver) PageStructureSnapshot(ctx context.Context, scope string) (string, error) {
	args := m.Called(ctx, scope)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) Screenshot(ctx context.Context, scope string) ([]byte, error) {
	args := m.Called(ctx, scope)
	png, _ := args.Get(0).([]byte)
	return png, args.Error(1)
}

func (m *MockDriver) Describe(ctx context.Context, h schemas.ElementHandle) (schemas.ElementSummary, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(schemas.ElementSummary), args.Error(1)
}

func (m *MockDriver) DescribeNativeLocator(native any) (string, error) {
	args := m.Called(native)
	return args.String(0), args.Error(1)
}

// MockHandle is a minimal schemas.ElementHandle.
type MockHandle struct {
	Sel string
	Idx int
}

func (h *MockHandle) Selector() string { return h.Sel }
func (h *MockHandle) Index() int       { return h.Idx }

// Handles builds n handles for selector.
func Handles(selector string, n int) []schemas.ElementHandle {
	out := make([]schemas.ElementHandle, n)
	for i := range out {
		out[i] = &MockHandle{Sel: selector, Idx: i}
	}
	return out
}

// -- AI Backend Mock --

// MockBackend mocks the schemas.AIBackend interface.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBackend) Capabilities() schemas.Capabilities {
	args := m.Called()
	return args.Get(0).(schemas.Capabilities)
}

func (m *MockBackend) Analyze(ctx context.Context, req schemas.AnalysisRequest) (schemas.AnalysisResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(schemas.AnalysisResponse), args.Error(1)
}

func (m *MockBackend) Disambiguate(ctx context.Context, req schemas.DisambiguationRequest) (schemas.DisambiguationResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(schemas.DisambiguationResponse), args.Error(1)
}

// -- Durable Store Mock --

// MockStore mocks the durable cache tier.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Load(ctx context.Context, fp string) (schemas.CacheEntry, bool, error) {
	args := m.Called(ctx, fp)
	return args.Get(0).(schemas.CacheEntry), args.Bool(1), args.Error(2)
}

func (m *MockStore) Save(ctx context.Context, e schemas.CacheEntry) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockStore) Delete(ctx context.Context, fp string) error {
	return m.Called(ctx, fp).Error(0)
}

func (m *MockStore) Purge(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) Close() error {
	return m.Called().Error(0)
}

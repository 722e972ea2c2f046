package schemas

import (
	"context"
	"errors"
)

// AnalysisMode selects the kind of evidence an AI backend reasons over.
type AnalysisMode string

const (
	ModeStructural AnalysisMode = "structural"
	ModeVisual     AnalysisMode = "visual"
)

// Strategy names recorded as the source of a candidate or cache entry.
const (
	SourceOriginal   = "original"
	SourceCache      = "cache"
	SourceStructural = string(ModeStructural)
	SourceVisual     = string(ModeVisual)
)

// Capabilities is the capability record a backend declares.
type Capabilities struct {
	SupportsStructural bool   `json:"supports_structural"`
	SupportsVisual     bool   `json:"supports_visual"`
	DefaultModel       string `json:"default_model"`
}

// Supports reports whether the backend can run mode.
func (c Capabilities) Supports(mode AnalysisMode) bool {
	switch mode {
	case ModeStructural:
		return c.SupportsStructural
	case ModeVisual:
		return c.SupportsVisual
	}
	return false
}

// CandidateSelector is a replacement selector proposed by an AI backend.
type CandidateSelector struct {
	Selector       string  `json:"selector"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale,omitempty"`
	SourceStrategy string  `json:"source_strategy,omitempty"`
}

// Usage reports token consumption for one backend call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// AnalysisRequest asks a backend for candidate selectors.
type AnalysisRequest struct {
	Mode AnalysisMode
	// Payload is the DOM snippet for structural analysis.
	Payload string
	// Screenshot is a PNG for visual analysis.
	Screenshot  []byte
	Description string
	// PreviousSelector is the hint that stopped matching, if any.
	PreviousSelector string
}

// AnalysisResponse is a ranked list of candidates.
type AnalysisResponse struct {
	Candidates []CandidateSelector
	Usage      Usage
}

// DisambiguationRequest asks a backend to choose among element summaries.
type DisambiguationRequest struct {
	Candidates  []ElementSummary
	Description string
}

// DisambiguationResponse carries the chosen position in the request's candidate list.
type DisambiguationResponse struct {
	Index     int
	Rationale string
	Usage     Usage
}

// AIBackend is the remote analysis collaborator.
type AIBackend interface {
	Name() string
	Capabilities() Capabilities
	Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResponse, error)
	Disambiguate(ctx context.Context, req DisambiguationRequest) (DisambiguationResponse, error)
}

// ErrBackendPermanent marks backend failures that retrying cannot fix, such as rejected
// credentials or malformed responses.
var ErrBackendPermanent = errors.New("permanent backend error")

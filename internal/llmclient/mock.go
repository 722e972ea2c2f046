// internal/llmclient/mock.go
package llmclient

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoheal/api/schemas"
	"github.com/xkilldash9x/autoheal/internal/locator"
)

// MockBackend is an offline AIBackend for tests and demos. It answers from scripted responses
// when one matches the description and otherwise from a token-matching heuristic over the page
// structure.
type MockBackend struct {
	mu        sync.Mutex
	scripts   map[string][]schemas.CandidateSelector
	picks     map[string]int
	failure   error
	caps      schemas.Capabilities
	maxResult int
	logger    *zap.Logger

	analyzeCalls      atomic.Int64
	disambiguateCalls atomic.Int64
}

var _ schemas.AIBackend = (*MockBackend)(nil)

// NewMockBackend creates a mock that supports both analysis modes.
func NewMockBackend(logger *zap.Logger) *MockBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockBackend{
		scripts:   make(map[string][]schemas.CandidateSelector),
		picks:     make(map[string]int),
		caps:      schemas.Capabilities{SupportsStructural: true, SupportsVisual: true, DefaultModel: "mock"},
		maxResult: 5,
		logger:    logger.Named("llm_client.mock"),
	}
}

func scriptKey(description string) string {
	return strings.ToLower(strings.TrimSpace(description))
}

// Script fixes the candidates returned for description.
func (m *MockBackend) Script(description string, candidates ...schemas.CandidateSelector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[scriptKey(description)] = candidates
}

// ScriptPick fixes the disambiguation answer for description.
func (m *MockBackend) ScriptPick(description string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.picks[scriptKey(description)] = index
}

// FailWith makes every call return err until it is cleared with nil.
func (m *MockBackend) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// SetCapabilities replaces the declared capabilities.
func (m *MockBackend) SetCapabilities(caps schemas.Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
}

// AnalyzeCalls is the number of Analyze invocations so far.
func (m *MockBackend) AnalyzeCalls() int64 { return m.analyzeCalls.Load() }

// DisambiguateCalls is the number of Disambiguate invocations so far.
func (m *MockBackend) DisambiguateCalls() int64 { return m.disambiguateCalls.Load() }

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Capabilities() schemas.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

func (m *MockBackend) Analyze(ctx context.Context, req schemas.AnalysisRequest) (schemas.AnalysisResponse, error) {
	m.analyzeCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return schemas.AnalysisResponse{}, err
	}

	m.mu.Lock()
	failure := m.failure
	scripted, ok := m.scripts[scriptKey(req.Description)]
	caps := m.caps
	m.mu.Unlock()

	if failure != nil {
		return schemas.AnalysisResponse{}, failure
	}
	if !caps.Supports(req.Mode) {
		return schemas.AnalysisResponse{}, fmt.Errorf("%w: mock does not support %s analysis", schemas.ErrBackendPermanent, req.Mode)
	}
	if ok {
		out := make([]schemas.CandidateSelector, len(scripted))
		for i, c := range scripted {
			if c.SourceStrategy == "" {
				c.SourceStrategy = string(req.Mode)
			}
			out[i] = c
		}
		return schemas.AnalysisResponse{Candidates: out}, nil
	}

	candidates, err := m.heuristic(req)
	if err != nil {
		return schemas.AnalysisResponse{}, err
	}
	m.logger.Debug("Heuristic analysis complete", zap.Int("candidates", len(candidates)))
	return schemas.AnalysisResponse{Candidates: candidates}, nil
}

// Disambiguate prefers a scripted pick, then the candidate whose text and container mention the
// most description tokens, then attribute tokens, then the first candidate.
func (m *MockBackend) Disambiguate(ctx context.Context, req schemas.DisambiguationRequest) (schemas.DisambiguationResponse, error) {
	m.disambiguateCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return schemas.DisambiguationResponse{}, err
	}

	m.mu.Lock()
	failure := m.failure
	pick, scripted := m.picks[scriptKey(req.Description)]
	m.mu.Unlock()

	if failure != nil {
		return schemas.DisambiguationResponse{}, failure
	}
	if len(req.Candidates) == 0 {
		return schemas.DisambiguationResponse{}, fmt.Errorf("%w: no candidates", schemas.ErrBackendPermanent)
	}
	if scripted {
		return schemas.DisambiguationResponse{Index: pick, Rationale: "scripted"}, nil
	}

	tokens := descriptionTokens(req.Description)
	if i, ok := bestBy(req.Candidates, func(c schemas.ElementSummary) int {
		return countTokens(tokens, c.Text+" "+c.Container)
	}); ok {
		return schemas.DisambiguationResponse{Index: i, Rationale: "text match"}, nil
	}
	if i, ok := bestBy(req.Candidates, func(c schemas.ElementSummary) int {
		return countTokens(tokens, attributeText(c.Attributes))
	}); ok {
		return schemas.DisambiguationResponse{Index: i, Rationale: "attribute match"}, nil
	}
	return schemas.DisambiguationResponse{Index: 0, Rationale: "first element"}, nil
}

// bestBy returns the index with the strictly highest positive score. Ties keep the earliest.
func bestBy(cands []schemas.ElementSummary, score func(schemas.ElementSummary) int) (int, bool) {
	best, bestScore := -1, 0
	for i, c := range cands {
		if s := score(c); s > bestScore {
			best, bestScore = i, s
		}
	}
	return best, best >= 0
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "for": true, "of": true, "to": true, "in": true,
	"on": true, "at": true, "with": true, "and": true, "or": true, "is": true, "that": true,
}

var tokenSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)

func descriptionTokens(description string) []string {
	var tokens []string
	for _, t := range tokenSplit.Split(strings.ToLower(description), -1) {
		if len(t) < 2 || stopWords[t] {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

func countTokens(tokens []string, haystack string) int {
	haystack = strings.ToLower(haystack)
	n := 0
	for _, t := range tokens {
		if strings.Contains(haystack, t) {
			n++
		}
	}
	return n
}

// identifyingAttributes are the attributes the heuristic reads and builds selectors from.
var identifyingAttributes = []string{"data-testid", "data-test", "data-qa", "id", "name", "aria-label", "placeholder", "title", "alt", "class", "type", "value"}

func attributeText(attrs map[string]string) string {
	var b strings.Builder
	for _, name := range identifyingAttributes {
		if v, ok := attrs[name]; ok {
			b.WriteString(v)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

type scoredElement struct {
	selector string
	score    int
	order    int
}

var interactiveTags = map[string]bool{
	"a": true, "button": true, "input": true, "select": true, "textarea": true, "label": true, "img": true,
}

func (m *MockBackend) heuristic(req schemas.AnalysisRequest) ([]schemas.CandidateSelector, error) {
	if strings.TrimSpace(req.Payload) == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable page structure: %v", schemas.ErrBackendPermanent, err)
	}

	tokens := descriptionTokens(req.Description)
	if len(tokens) == 0 {
		return nil, nil
	}

	var scored []scoredElement
	seen := make(map[string]bool)
	doc.Find("body *").Each(func(i int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		text := strings.Join(strings.Fields(ownText(s)), " ")

		score := 2 * countTokens(tokens, text)
		attrs := make(map[string]string)
		for _, name := range identifyingAttributes {
			if v, ok := s.Attr(name); ok {
				attrs[name] = v
			}
		}
		score += countTokens(tokens, attributeText(attrs))
		if countTokens(tokens, tag) > 0 {
			score++
		}
		if score == 0 {
			return
		}
		if interactiveTags[tag] {
			score++
		}

		sel := selectorFor(tag, text, attrs)
		if sel == "" || seen[sel] {
			return
		}
		seen[sel] = true
		scored = append(scored, scoredElement{selector: sel, score: score, order: i})
	})

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > m.maxResult {
		scored = scored[:m.maxResult]
	}
	if len(scored) == 0 {
		return nil, nil
	}

	top := float64(scored[0].score)
	out := make([]schemas.CandidateSelector, len(scored))
	for i, s := range scored {
		out[i] = schemas.CandidateSelector{
			Selector:       s.selector,
			Confidence:     0.9 * float64(s.score) / top,
			Rationale:      "token match",
			SourceStrategy: string(req.Mode),
		}
	}
	return out, nil
}

// ownText is the element's text excluding that of element children which have text of their own.
func ownText(s *goquery.Selection) string {
	if s.Children().Length() == 0 {
		return s.Text()
	}
	return s.Contents().FilterFunction(func(_ int, c *goquery.Selection) bool {
		return goquery.NodeName(c) == "#text"
	}).Text()
}

var cssIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

func selectorFor(tag, text string, attrs map[string]string) string {
	for _, name := range []string{"data-testid", "data-test", "data-qa"} {
		if v := attrs[name]; v != "" {
			return fmt.Sprintf(`[%s="%s"]`, name, cssEscape(v))
		}
	}
	if id := attrs["id"]; id != "" {
		if cssIdent.MatchString(id) {
			return "#" + id
		}
		return fmt.Sprintf(`[id="%s"]`, cssEscape(id))
	}
	for _, name := range []string{"name", "aria-label", "placeholder"} {
		if v := attrs[name]; v != "" {
			return fmt.Sprintf(`%s[%s="%s"]`, tag, name, cssEscape(v))
		}
	}
	if text != "" && len(text) <= 80 {
		return locator.Canonical(locator.Descriptor{
			Kind:    locator.KindText,
			Value:   locator.String(text),
			Options: locator.Options{Exact: true},
		})
	}
	return ""
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

package llmclient

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/autoheal/api/schemas"
)

const analysisSystemPrompt = `You repair broken UI test locators.
Given a description of one element and evidence about the current page, propose replacement
locators that match exactly that element.

Prefer, in order: getByTestId('..'), getByRole('role', { name: '..' }), getByLabel('..'),
getByPlaceholder('..'), getByText('..'), stable CSS built on ids or data-* attributes, XPath.
Avoid positional selectors such as :nth-child unless nothing else is unique.

Reply with JSON only, in this exact shape:
{"candidates":[{"selector":"...","confidence":0.0,"rationale":"..."}]}
Confidence is between 0 and 1. Order candidates from most to least likely.`

const disambiguationSystemPrompt = `Several page elements matched a locator. Choose the single element
that best fits the description, using its text, attributes and containing section.
Reply with JSON only: {"index": <position in the list>, "rationale": "..."}`

type analysisReply struct {
	Candidates []struct {
		Selector   string  `json:"selector"`
		Confidence float64 `json:"confidence"`
		Rationale  string  `json:"rationale"`
	} `json:"candidates"`
}

type disambiguationReply struct {
	Index     int    `json:"index"`
	Rationale string `json:"rationale"`
}

func buildAnalysisPrompt(req schemas.AnalysisRequest, maxCandidates int) prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Element description: %s\n", req.Description)
	if req.PreviousSelector != "" {
		fmt.Fprintf(&b, "Locator that no longer matches: %s\n", req.PreviousSelector)
	}
	fmt.Fprintf(&b, "Return at most %d candidates.\n", maxCandidates)

	p := prompt{System: analysisSystemPrompt}
	switch req.Mode {
	case schemas.ModeVisual:
		b.WriteString("\nThe attached screenshot shows the current page.\n")
		if req.Payload != "" {
			b.WriteString("\nPage structure for reference:\n")
			b.WriteString(req.Payload)
		}
		p.Image = req.Screenshot
	default:
		b.WriteString("\nCurrent page structure:\n")
		b.WriteString(req.Payload)
	}
	p.User = b.String()
	return p
}

// promptElement is the compact element form shown to the model.
type promptElement struct {
	Position   int               `json:"position"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Role       string            `json:"role,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Container  string            `json:"container,omitempty"`
	Visible    bool              `json:"visible"`
}

func buildDisambiguationPrompt(req schemas.DisambiguationRequest) (prompt, error) {
	elements := make([]promptElement, len(req.Candidates))
	for i, c := range req.Candidates {
		elements[i] = promptElement{
			Position:   i,
			Tag:        c.Tag,
			Text:       c.Text,
			Role:       c.Role,
			Attributes: c.Attributes,
			Container:  c.Container,
			Visible:    c.Visible,
		}
	}
	data, err := json.MarshalIndent(elements, "", "  ")
	if err != nil {
		return prompt{}, fmt.Errorf("failed to encode candidates: %w", err)
	}
	user := fmt.Sprintf("Element description: %s\n\nCandidates:\n%s\n", req.Description, data)
	return prompt{System: disambiguationSystemPrompt, User: user}, nil
}

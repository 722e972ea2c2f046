// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

var (
	// Backticks are written as \x60 because Go raw strings cannot contain them.

	// jsonObjectRegex extracts a JSON object wrapped in a markdown fence.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array wrapped in a markdown fence.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ParseJSONResponse decodes a model reply into T. It tolerates markdown fences and conversational
// text around the JSON body.
func ParseJSONResponse[T any](response string) (*T, error) {
	body := ExtractJSON(response)
	var result T
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(body, 500))
	}
	return &result, nil
}

// ExtractJSON returns the most plausible JSON object or array inside response.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			return matches[1]
		}
		return response
	}

	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}
	if isObject {
		if fb, lb := strings.Index(response, "{"), strings.LastIndex(response, "}"); fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	if isArray {
		if fb, lb := strings.Index(response, "["), strings.LastIndex(response, "]"); fb != -1 && lb > fb {
			return response[fb : lb+1]
		}
	}
	return response
}

// Truncate shortens s to at most maxLen bytes plus an ellipsis, keeping rune boundaries.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

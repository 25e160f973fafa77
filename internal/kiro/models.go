package kiro

import (
	"regexp"
	"strings"
)

// ThinkingSuffix on a model name requests extended reasoning without a
// separate request flag.
const ThinkingSuffix = "-thinking"

// modelMapping maps public Claude model names to CodeWhisperer model ids.
// Haiku/Opus use lowercase dot format, Sonnet uses uppercase format.
var modelMapping = map[string]string{
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// ResolveModel maps a public model name to the backend model id. The
// -thinking suffix is stripped before lookup. Unknown models fall back to
// the latest sonnet id.
func ResolveModel(model string) string {
	model = strings.TrimSuffix(model, ThinkingSuffix)
	if resolved, ok := modelMapping[model]; ok {
		return resolved
	}
	return "CLAUDE_SONNET_4_5_20250929_V1_0"
}

// KnownModel reports whether a public model name has a backend mapping.
func KnownModel(model string) bool {
	_, ok := modelMapping[strings.TrimSuffix(model, ThinkingSuffix)]
	return ok
}

// IsThinkingModel reports whether the model name requests extended
// reasoning via the -thinking suffix.
func IsThinkingModel(model string) bool {
	return strings.HasSuffix(model, ThinkingSuffix)
}

var modelURLPattern = regexp.MustCompile(`models/([^/:]+)`)

// ModelFromURL extracts a model identifier embedded in a request path,
// e.g. ".../models/claude-opus-4-5:streamGenerateContent". Returns "" when
// the path carries none.
func ModelFromURL(url string) string {
	m := modelURLPattern.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

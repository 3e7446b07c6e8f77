package llm

import "strings"

// Limits are the token limits of one model.
type Limits struct {
	// ContextWindow covers input and output together.
	ContextWindow int

	// MaxOutputTokens is the longest reply the model produces in one call.
	MaxOutputTokens int
}

// DefaultLimits apply to models missing from the family table.
var DefaultLimits = Limits{ContextWindow: 128_000, MaxOutputTokens: 4_096}

// families is matched in order against the lower-cased model name, so more
// specific prefixes come first.
var families = []struct {
	match  string
	limits Limits
}{
	{"gpt-4.1", Limits{1_047_576, 32_768}},
	{"gpt-4o", Limits{128_000, 16_384}},
	{"gpt-4-turbo", Limits{128_000, 4_096}},
	{"gpt-4", Limits{8_192, 4_096}},
	{"gpt-3.5-turbo", Limits{16_385, 4_096}},
	{"o1-mini", Limits{128_000, 65_536}},
	{"o1", Limits{200_000, 100_000}},
	{"o3", Limits{200_000, 100_000}},
	{"o4", Limits{200_000, 100_000}},
	{"claude-3-opus", Limits{200_000, 4_096}},
	{"claude", Limits{200_000, 8_192}},
	{"gemini-1.5-pro", Limits{2_000_000, 8_192}},
	{"gemini", Limits{1_000_000, 8_192}},
	{"mistral", Limits{64_000, 4_096}},
	{"deepseek", Limits{64_000, 4_096}},
}

// LimitsFor looks model up in the family table. Vendor prefixes such as
// "openai/" or "anthropic/" are ignored.
func LimitsFor(model string) Limits {
	name := strings.ToLower(model)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	for _, f := range families {
		if strings.HasPrefix(name, f.match) {
			return f.limits
		}
	}
	return DefaultLimits
}

// EstimateTokens approximates the token count of text at roughly four
// bytes per token. Non-empty text never counts as zero.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

package task

import "github.com/tidwall/gjson"

// Token counts live under different paths depending on the provider and on
// how the metadata was serialized. Paths are tried in order; the first
// numeric match wins.
var (
	inputTokenPaths = []string{
		"usageMetadata.promptTokenCount",
		"usage_metadata.prompt_token_count",
		"usage.input_tokens",
		"usage.prompt_tokens",
	}
	outputTokenPaths = []string{
		"usageMetadata.candidatesTokenCount",
		"usage_metadata.candidates_token_count",
		"usage.output_tokens",
		"usage.completion_tokens",
	}
)

// TokenUsage is the accounting extracted from provider metadata.
type TokenUsage struct {
	Input  int64
	Output int64
	// Found is false when no output path matched.
	Found bool
}

// ExtractUsage probes metadata for token counts. Missing values are 0.
func ExtractUsage(metadata []byte) TokenUsage {
	in, _ := probe(metadata, inputTokenPaths)
	out, found := probe(metadata, outputTokenPaths)
	return TokenUsage{Input: in, Output: out, Found: found}
}

func probe(metadata []byte, paths []string) (int64, bool) {
	if len(metadata) == 0 {
		return 0, false
	}
	for _, path := range paths {
		if r := gjson.GetBytes(metadata, path); r.Type == gjson.Number {
			return r.Int(), true
		}
	}
	return 0, false
}

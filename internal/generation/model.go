package generation

import (
	"context"
	"encoding/json"
	"iter"
)

// Image is an inline image attached to a request.
type Image struct {
	Data     []byte
	MIMEType string
}

// Request is everything a model needs to run one template.
type Request struct {
	ModelID    string
	TemplateID string
	Locale     string
	Variables  map[string]any
	Image      *Image

	// JSON asks for a JSON document rather than free text.
	JSON bool
}

// Response is the result of a structured call. Metadata is the provider's
// response metadata as raw JSON, kept for usage extraction.
type Response struct {
	Text     string
	Metadata json.RawMessage
}

// Chunk is one piece of a streamed response. Metadata is set on chunks that
// carry provider accounting, typically the last one.
type Chunk struct {
	Text     string
	Metadata json.RawMessage
}

// Model calls an LLM.
type Model interface {
	// Generate runs the request to completion.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream runs the request and yields text as it arrives. The sequence is
	// finite and can be ranged over once.
	Stream(ctx context.Context, req Request) iter.Seq2[Chunk, error]
}

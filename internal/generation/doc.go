// Package generation defines the boundary between task execution and the
// LLM provider. Model is the calling contract; the Gemini implementation lives
// in internal/platform/gemini. OutputValidator checks structured output
// against per-template JSON schemas.
package generation

// Package gemini provides the generation.Model implementation backed by
// Google's Gemini API through the google.golang.org/genai SDK.
//
// Prompts are rendered from text/template files named <templateId>.tmpl in the
// configured prompt directory. Templates without a file fall back to a plain
// rendering of the task variables. Provider errors are mapped onto the
// generation error set so the worker can tell retryable failures from
// terminal ones.
package gemini

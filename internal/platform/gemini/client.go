package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/phrazzld/jobfit/internal/config"
	"github.com/phrazzld/jobfit/internal/generation"
	"google.golang.org/genai"
)

// Client implements generation.Model.
type Client struct {
	client  *genai.Client
	prompts *PromptSet
	logger  *slog.Logger
}

var _ generation.Model = (*Client)(nil)

// New creates a Client from configuration.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	prompts, err := LoadPrompts(cfg.PromptTemplateDir)
	if err != nil {
		return nil, err
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.GeminiBaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.GeminiBaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}

	return &Client{
		client:  client,
		prompts: prompts,
		logger:  logger.With("component", "gemini"),
	}, nil
}

func (c *Client) build(req generation.Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	prompt, err := c.prompts.Render(req)
	if err != nil {
		return nil, nil, err
	}

	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if req.Image != nil {
		if len(req.Image.Data) == 0 || req.Image.MIMEType == "" {
			return nil, nil, fmt.Errorf("%w: image needs data and a MIME type", generation.ErrUnsupportedInput)
		}
		parts = append(parts, genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType))
	}

	genCfg := &genai.GenerateContentConfig{}
	if req.JSON {
		genCfg.ResponseMIMEType = "application/json"
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, genCfg, nil
}

// metadata returns the response without its HTTP envelope, as JSON.
func metadata(resp *genai.GenerateContentResponse) json.RawMessage {
	trimmed := *resp
	trimmed.SDKHTTPResponse = nil
	trimmed.Candidates = nil
	raw, err := json.Marshal(&trimmed)
	if err != nil {
		return nil
	}
	return raw
}

// Generate implements generation.Model.
func (c *Client) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	contents, genCfg, err := c.build(req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, req.ModelID, contents, genCfg)
	if err != nil {
		mapped := mapError(err)
		c.logger.WarnContext(ctx, "gemini call failed",
			"model", req.ModelID,
			"template", req.TemplateID,
			"error", mapped)
		return nil, mapped
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("%w: empty content in response", generation.ErrInvalidResponse)
	}

	c.logger.DebugContext(ctx, "gemini call succeeded",
		"model", req.ModelID,
		"template", req.TemplateID,
		"duration_ms", time.Since(start).Milliseconds())

	return &generation.Response{Text: text, Metadata: metadata(resp)}, nil
}

// Stream implements generation.Model.
func (c *Client) Stream(ctx context.Context, req generation.Request) iter.Seq2[generation.Chunk, error] {
	return func(yield func(generation.Chunk, error) bool) {
		contents, genCfg, err := c.build(req)
		if err != nil {
			yield(generation.Chunk{}, err)
			return
		}

		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.ModelID, contents, genCfg) {
			if err != nil {
				yield(generation.Chunk{}, mapError(err))
				return
			}
			if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
				yield(generation.Chunk{}, checkResponse(resp))
				return
			}
			if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
				yield(generation.Chunk{}, checkResponse(resp))
				return
			}

			chunk := generation.Chunk{Text: resp.Text()}
			if resp.UsageMetadata != nil {
				chunk.Metadata = metadata(resp)
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

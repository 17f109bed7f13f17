package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Result is one model response with its token usage and estimated cost.
type Result struct {
	Text         string
	InputTokens  int32
	OutputTokens int32
	CostUSD      float64
}

// Client is an abstraction over LLM providers
type Client interface {
	// GenerateText generates text content using the named model
	GenerateText(ctx context.Context, model, prompt string) (*Result, error)
	// GenerateJSON generates JSON content using the named model
	GenerateJSON(ctx context.Context, model, prompt string) (*Result, error)
	// Close releases any resources held by the client
	Close() error
}

// NewClient creates a new LLM client based on configuration
func NewClient(ctx context.Context, config *Config, apiKey string) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Provider {
	case ProviderGemini:
		return NewGeminiClient(ctx, apiKey)
	default:
		return NewGeminiClient(ctx, apiKey)
	}
}

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{client: client}, nil
}

// GenerateText generates text content using the named model
func (c *GeminiClient) GenerateText(ctx context.Context, modelName, prompt string) (*Result, error) {
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(0.1) // Low temperature for consistent output

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	return resultFromResponse(modelName, resp)
}

// GenerateJSON generates JSON content using the named model
func (c *GeminiClient) GenerateJSON(ctx context.Context, modelName, prompt string) (*Result, error) {
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(0.1) // Low temperature for consistent output
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	result, err := resultFromResponse(modelName, resp)
	if err != nil {
		return nil, err
	}

	// Clean any markdown code block wrappers
	result.Text = CleanJSONBlock(result.Text)
	return result, nil
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// resultFromResponse extracts text and usage from a Gemini API response
func resultFromResponse(modelName string, resp *genai.GenerateContentResponse) (*Result, error) {
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("no text parts in response")
	}

	result := &Result{Text: strings.Join(parts, "")}
	if usage := resp.UsageMetadata; usage != nil {
		result.InputTokens = usage.PromptTokenCount
		result.OutputTokens = usage.CandidatesTokenCount
		result.CostUSD = EstimateCost(modelName, usage.PromptTokenCount, usage.CandidatesTokenCount)
	}
	return result, nil
}

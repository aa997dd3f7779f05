package openai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/responses"
	"github.com/openai/openai-go/v2/shared"
)

const (
	modelGPT5Mini = "gpt-5-mini"
)

// OpenAIClient answers single prompts through the Responses API
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIClient creates a client using OPENAI_API_KEY. baseURL, or
// OPENAI_BASE_URL when empty, points at a compatible endpoint.
// maxTokens = 0 means the model default
func NewOpenAIClient(model string, maxTokens int, baseURL string) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	if model == "" {
		model = modelGPT5Mini
	}

	return &OpenAIClient{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (c *OpenAIClient) ModelID() string { return c.model }

// Complete sends prompt with system as the instructions.
func (c *OpenAIClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := responses.ResponseNewParams{
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
		Model: shared.ChatModel(c.model),
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}
	if c.maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(c.maxTokens))
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("Responses API call failed: %w", err)
	}

	outputText := resp.OutputText()
	if outputText == "" {
		return "", fmt.Errorf("empty output from OpenAI response %s", resp.ID)
	}
	return outputText, nil
}

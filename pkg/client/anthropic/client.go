package anthropic

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultMaxTokens = 1024
)

// AnthropicClient answers single prompts with Claude models
type AnthropicClient struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int
}

// NewAnthropicClient creates a client using ANTHROPIC_API_KEY. baseURL is
// optional.
func NewAnthropicClient(model string, maxTokens int, baseURL string) (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable not set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)

	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &AnthropicClient{
		client:    &client,
		model:     getAnthropicModel(model),
		maxTokens: maxTokens,
	}, nil
}

func (c *AnthropicClient) ModelID() string { return string(c.model) }

// Complete sends one user prompt with an optional system prompt and
// returns the concatenated text blocks of the answer.
func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		MaxTokens: int64(c.maxTokens),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Model:     c.model,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("Anthropic API call failed: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(text.Text)
		}
	}
	if content.Len() == 0 {
		return "", fmt.Errorf("no text content in Anthropic response")
	}
	return content.String(), nil
}

// getAnthropicModel maps short names to model IDs; full IDs pass through
func getAnthropicModel(model string) anthropic.Model {
	switch model {
	case "", "sonnet":
		return anthropic.ModelClaudeSonnet4_5
	case "opus":
		return anthropic.ModelClaudeOpus4_20250514
	case "haiku":
		return anthropic.ModelClaudeHaiku4_5
	}
	return anthropic.Model(model)
}

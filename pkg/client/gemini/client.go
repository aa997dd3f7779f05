package gemini

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"
)

const (
	modelGemini25Flash     = "gemini-2.5-flash"
	modelGemini25FlashLite = "gemini-2.5-flash-lite"
	modelGemini25Pro       = "gemini-2.5-pro"
)

// GeminiClient answers single prompts with Gemini models
type GeminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int
}

// NewGeminiClient creates a client using GEMINI_API_KEY
func NewGeminiClient(model string, maxTokens int) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client:    client,
		model:     getGeminiModel(model),
		maxTokens: maxTokens,
	}, nil
}

func (c *GeminiClient) ModelID() string { return c.model }

// Complete generates a non-streaming answer to prompt.
func (c *GeminiClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{}
	if c.maxTokens > 0 {
		config.MaxOutputTokens = int32(c.maxTokens)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("Gemini API call failed: %w", err)
	}

	responseText := resp.Text()
	if responseText == "" {
		return "", fmt.Errorf("empty response from Gemini")
	}
	return responseText, nil
}

// getGeminiModel normalizes short names to the 2.5 series
func getGeminiModel(model string) string {
	switch model {
	case "gemini-pro", "pro":
		return modelGemini25Pro
	case "", "gemini-flash", "flash":
		return modelGemini25Flash
	case "gemini-lite", "lite":
		return modelGemini25FlashLite
	}
	return model
}

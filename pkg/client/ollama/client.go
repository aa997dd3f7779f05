package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/pkg/errors"
)

// OllamaClient answers single prompts with a local Ollama model
type OllamaClient struct {
	client    *api.Client
	model     string
	maxTokens int
}

// NewOllamaClient connects to baseURL, or to OLLAMA_HOST when it is empty
func NewOllamaClient(model string, maxTokens int, baseURL string) (*OllamaClient, error) {
	var client *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid Ollama base URL %q: %w", baseURL, err)
		}
		client = api.NewClient(u, http.DefaultClient)
	} else {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		client = c
	}

	// Use default maxTokens if not specified
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &OllamaClient{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (c *OllamaClient) ModelID() string { return c.model }

// Complete runs a non-streaming chat and returns the assistant content.
func (c *OllamaClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	stream := false
	messages := make([]api.Message, 0, 2)
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]any{"num_predict": c.maxTokens},
	}

	var content strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "ollama chat error")
	}
	return content.String(), nil
}

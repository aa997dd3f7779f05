// Package client builds single-shot LLM completers for chat commands.
package client

import (
	"context"
	"fmt"

	"github.com/fpt/klein-relay/pkg/client/anthropic"
	"github.com/fpt/klein-relay/pkg/client/gemini"
	"github.com/fpt/klein-relay/pkg/client/ollama"
	"github.com/fpt/klein-relay/pkg/client/openai"
)

// Completer answers one prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	ModelID() string
}

// Settings selects and configures an LLM backend.
type Settings struct {
	Backend   string `yaml:"backend" jsonschema:"enum=ollama,enum=anthropic,enum=openai,enum=gemini"`
	Model     string `yaml:"model,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

// Backends lists the supported backend names.
var Backends = []string{"ollama", "anthropic", "openai", "gemini"}

// GetDefaultSettingsForBackend returns default settings for a backend
func GetDefaultSettingsForBackend(backend string) Settings {
	switch backend {
	case "anthropic", "claude":
		return Settings{Backend: "anthropic", Model: "sonnet"}
	case "openai":
		return Settings{Backend: "openai", Model: "gpt-5-mini"}
	case "gemini":
		return Settings{Backend: "gemini", Model: "gemini-2.5-flash-lite"}
	default:
		return Settings{Backend: "ollama", Model: "gpt-oss:latest", BaseURL: "http://localhost:11434"}
	}
}

// NewCompleter creates a completer based on settings. Empty fields take
// the backend's defaults.
func NewCompleter(settings Settings) (Completer, error) {
	defaults := GetDefaultSettingsForBackend(settings.Backend)
	if settings.Model == "" {
		settings.Model = defaults.Model
	}
	if settings.BaseURL == "" {
		settings.BaseURL = defaults.BaseURL
	}

	switch settings.Backend {
	case "anthropic", "claude":
		return anthropic.NewAnthropicClient(settings.Model, settings.MaxTokens, settings.BaseURL)
	case "openai":
		return openai.NewOpenAIClient(settings.Model, settings.MaxTokens, settings.BaseURL)
	case "gemini":
		return gemini.NewGeminiClient(settings.Model, settings.MaxTokens)
	case "ollama", "":
		return ollama.NewOllamaClient(settings.Model, settings.MaxTokens, settings.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s (must be 'ollama', 'anthropic', 'openai', or 'gemini')", settings.Backend)
	}
}

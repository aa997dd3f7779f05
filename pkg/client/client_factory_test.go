package client

import (
	"strings"
	"testing"
)

func TestNewCompleter(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	tests := []struct {
		name      string
		settings  Settings
		wantErr   string
		wantModel string
	}{
		{"ollama defaults", Settings{}, "", "gpt-oss:latest"},
		{"ollama explicit model", Settings{Backend: "ollama", Model: "llama3"}, "", "llama3"},
		{"anthropic without key", Settings{Backend: "anthropic"}, "ANTHROPIC_API_KEY", ""},
		{"openai without key", Settings{Backend: "openai"}, "OPENAI_API_KEY", ""},
		{"gemini without key", Settings{Backend: "gemini"}, "GEMINI_API_KEY", ""},
		{"unknown backend", Settings{Backend: "eliza"}, "unsupported LLM backend", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCompleter(tt.settings)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Expected error mentioning %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCompleter failed: %v", err)
			}
			if c.ModelID() != tt.wantModel {
				t.Errorf("Expected model %s, got %s", tt.wantModel, c.ModelID())
			}
		})
	}
}

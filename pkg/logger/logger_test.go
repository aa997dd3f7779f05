package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"debug", "debug", false},
		{"verbose", "verbose", false},
		{"message", "message", false},
		{"info", "message", false},
		{"WARN", "warning", false},
		{"warning", "warning", false},
		{"error", "error", false},
		{"loud", "message", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lvl, err := ParseLevel(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got := levelName(lvl); got != tt.want {
				t.Errorf("Expected level %s, got %s", tt.want, got)
			}
		})
	}
}

func TestConsoleLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(LogLevelVerbose, &buf)

	l.Debug("hidden")
	l.Verbose("shown", "plugin", "echo")
	l.Message("plain")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Debug line should be filtered, got %q", out)
	}
	if !strings.Contains(out, "verbose: shown plugin=echo") {
		t.Errorf("Expected verbose marker and attrs, got %q", out)
	}
	if !strings.Contains(out, "\nplain\n") {
		t.Errorf("Expected unmarked message line, got %q", out)
	}
}

func TestWithComponentNamespace(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(LogLevelDebug, &buf).WithComponent("relay").WithComponent("echo")

	l.Warning("careful")

	if got := buf.String(); got != "warning: [relay.echo] careful\n" {
		t.Errorf("Expected namespaced warning line, got %q", got)
	}
}

func TestMultiLineAttrIndented(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(LogLevelDebug, &buf)

	l.Error("crashed", "stack", "line1\nline2")

	want := "error: crashed\n  stack:\n    line1\n    line2\n"
	if got := buf.String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// plainHandler is a minimal slog.Handler for console output. Each line is
// the level marker, the component in brackets, the message, then key=value
// pairs. No timestamps.
type plainHandler struct {
	w         io.Writer
	mu        *sync.Mutex
	leveler   slog.Leveler
	color     bool
	component string
	attrs     []slog.Attr
	group     string
}

func newPlainHandler(w io.Writer, leveler slog.Leveler) slog.Handler {
	return &plainHandler{
		w:       w,
		mu:      &sync.Mutex{},
		leveler: leveler,
		color:   isTerminal(w),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Enabled implements slog.Handler by checking level
func (h *plainHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	if h.leveler == nil {
		return true
	}
	return lvl >= h.leveler.Level()
}

// Handle writes one line per record
func (h *plainHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(markerFor(r.Level, h.color))
	if h.component != "" {
		sb.WriteString("[" + h.component + "] ")
	}
	sb.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.group, a)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, sb.String())
	return err
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(sb, key, ga)
		}
		return
	}
	// multi-line values such as stack traces go on their own lines
	v := a.Value.Resolve().String()
	if strings.Contains(v, "\n") {
		fmt.Fprintf(sb, "\n  %s:\n%s", key, indent(v, "    "))
		return
	}
	fmt.Fprintf(sb, " %s=%s", key, v)
}

func indent(s, pad string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = pad + l
	}
	return strings.Join(lines, "\n")
}

// WithAttrs binds attributes; "component" becomes the bracketed prefix
func (h *plainHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" && h.group == "" {
			if nh.component != "" {
				nh.component += "." + a.Value.String()
			} else {
				nh.component = a.Value.String()
			}
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

// WithGroup prefixes subsequent attribute keys with the group name
func (h *plainHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

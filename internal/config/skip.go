package config

import (
	"fmt"

	"github.com/gobwas/glob"
)

// SkipList matches plugin instance names that a rebuild leaves alone.
type SkipList []glob.Glob

// CompileSkip compiles glob patterns such as "reload" or "discord-*".
func CompileSkip(patterns []string) (SkipList, error) {
	skip := make(SkipList, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid skip pattern %q: %w", pattern, err)
		}
		skip = append(skip, g)
	}
	return skip, nil
}

// Match reports whether any pattern matches name.
func (s SkipList) Match(name string) bool {
	for _, g := range s {
		if g.Match(name) {
			return true
		}
	}
	return false
}

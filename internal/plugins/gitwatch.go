package plugins

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/fpt/klein-relay/internal/relay"
)

// GitRepo is one watched repository. An empty Branch follows HEAD.
type GitRepo struct {
	Path   string `yaml:"path"`
	Branch string `yaml:"branch,omitempty"`
	Name   string `yaml:"name,omitempty" jsonschema:"description=label used in announcements; defaults to the directory name"`
}

type GitWatchConfig struct {
	Repos      []GitRepo     `yaml:"repos"`
	Interval   time.Duration `yaml:"interval"`
	MaxCommits int           `yaml:"max_commits" jsonschema:"description=most commits announced per repository and poll"`
}

func (c *GitWatchConfig) Defaults() {
	c.Interval = time.Minute
	c.MaxCommits = 5
}

func (c *GitWatchConfig) Validate() error {
	if len(c.Repos) == 0 {
		return errors.New("at least one repository is required")
	}
	for i, r := range c.Repos {
		if r.Path == "" {
			return fmt.Errorf("repository #%d: path is required", i+1)
		}
	}
	if c.MaxCommits < 1 {
		return fmt.Errorf("max_commits must be positive, got %d", c.MaxCommits)
	}
	return nil
}

type watchedRepo struct {
	GitRepo
	repo *gogit.Repository
}

// gitWatch announces commits that appear on the watched branches. The
// first poll only records where each branch is.
type gitWatch struct {
	relay.PollPlugin

	repos      []watchedRepo
	maxCommits int

	mu   sync.Mutex
	last map[string]plumbing.Hash
}

func newGitWatch(s relay.Setup, cfg GitWatchConfig) (relay.Plugin, error) {
	g := &gitWatch{maxCommits: cfg.MaxCommits, last: make(map[string]plumbing.Hash)}
	for _, r := range cfg.Repos {
		repo, err := gogit.PlainOpen(r.Path)
		if err != nil {
			return nil, relay.ConfigErrorf(s.Name, "repos", "failed to open %s: %v", r.Path, err)
		}
		if r.Name == "" {
			r.Name = filepath.Base(filepath.Clean(r.Path))
		}
		g.repos = append(g.repos, watchedRepo{GitRepo: r, repo: repo})
	}
	g.InitPoll(s, g, cfg.Interval)
	return g, nil
}

func (g *gitWatch) Poll(ctx context.Context) error {
	for _, r := range g.repos {
		if err := g.check(ctx, r); err != nil {
			g.Logger().Warning("Failed to check repository", "repo", r.Name, "error", err)
		}
		if !g.Yield(ctx) {
			return nil
		}
	}
	return nil
}

func (g *gitWatch) check(ctx context.Context, r watchedRepo) error {
	head, err := r.head()
	if err != nil {
		return err
	}

	prev, seen := g.seen(r.Name)
	if seen && prev == head {
		return nil
	}
	g.mark(r.Name, head)
	if !seen {
		g.Logger().Verbose("Watching repository", "repo", r.Name, "head", head.String()[:7])
		return nil
	}

	commits, more, err := g.since(r, head, prev)
	if err != nil {
		return err
	}
	for _, ch := range g.Channels() {
		for _, c := range commits {
			if err := g.Parent().SendOutgoing(ctx, ch, formatCommit(r.Name, c)); err != nil {
				return err
			}
		}
		if more {
			if err := g.Parent().SendOutgoing(ctx, ch, fmt.Sprintf("[%s] ...and more", r.Name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// since walks back from head until prev and returns at most maxCommits of
// the newest commits, oldest first. more reports whether some were left
// out.
func (g *gitWatch) since(r watchedRepo, head, prev plumbing.Hash) (commits []*object.Commit, more bool, err error) {
	iter, err := r.repo.Log(&gogit.LogOptions{From: head})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == prev {
			return storer.ErrStop
		}
		if len(commits) == g.maxCommits {
			more = true
			return storer.ErrStop
		}
		commits = append(commits, c)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	slices.Reverse(commits)
	return commits, more, nil
}

func (r watchedRepo) head() (plumbing.Hash, error) {
	var (
		ref *plumbing.Reference
		err error
	)
	if r.Branch == "" {
		ref, err = r.repo.Head()
	} else {
		ref, err = r.repo.Reference(plumbing.NewBranchReferenceName(r.Branch), true)
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("failed to resolve %s: %w", r.branchName(), err)
	}
	return ref.Hash(), nil
}

func (r watchedRepo) branchName() string {
	if r.Branch == "" {
		return "HEAD"
	}
	return r.Branch
}

func (g *gitWatch) seen(name string) (plumbing.Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.last[name]
	return h, ok
}

func (g *gitWatch) mark(name string, h plumbing.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[name] = h
}

func formatCommit(repo string, c *object.Commit) string {
	subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return fmt.Sprintf("[%s] %s %s: %s", repo, c.Hash.String()[:7], c.Author.Name, subject)
}

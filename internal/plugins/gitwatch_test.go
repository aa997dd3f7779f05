package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type testRepo struct {
	t    *testing.T
	dir  string
	tree *gogit.Worktree
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "proj")
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}
	tree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to open worktree: %v", err)
	}
	r := &testRepo{t: t, dir: dir, tree: tree}
	r.commit("initial import")
	return r
}

func (r *testRepo) commit(subject string) string {
	r.t.Helper()
	if err := os.WriteFile(filepath.Join(r.dir, "notes.txt"), []byte(subject), 0644); err != nil {
		r.t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := r.tree.Add("notes.txt"); err != nil {
		r.t.Fatalf("Failed to stage file: %v", err)
	}
	hash, err := r.tree.Commit(subject+"\n\nlonger body", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Tester", Email: "tester@example.com", When: time.Now()},
	})
	if err != nil {
		r.t.Fatalf("Failed to commit: %v", err)
	}
	return hash.String()[:7]
}

func gitWatchSpec(dir string, maxCommits int) string {
	return fmt.Sprintf("type: gitwatch\nchannels: [ops]\nconfig:\n  interval: 20ms\n  max_commits: %d\n  repos:\n    - path: %s\n", maxCommits, dir)
}

func TestGitWatchAnnouncesNewCommits(t *testing.T) {
	repo := newTestRepo(t)
	h := newHarness(t)
	g := h.build(gitWatchSpec(repo.dir, 5)).(*gitWatch)
	h.start()

	waitFor(t, "baseline", func() bool { _, ok := g.seen("proj"); return ok })
	if n := len(h.sink.sent()); n != 0 {
		t.Fatalf("Expected the existing history to stay quiet, got %v", h.sink.sent())
	}

	first := repo.commit("add parser")
	second := repo.commit("fix parser")

	want := []string{
		"ops:[proj] " + first + " Tester: add parser",
		"ops:[proj] " + second + " Tester: fix parser",
	}
	waitFor(t, "announcements", func() bool { return len(h.sink.sent()) >= 2 })
	if got := h.sink.sent(); !slices.Equal(got[:2], want) {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestGitWatchCapsAnnouncements(t *testing.T) {
	repo := newTestRepo(t)
	h := newHarness(t)
	g := h.build(gitWatchSpec(repo.dir, 2)).(*gitWatch)
	h.start()
	waitFor(t, "baseline", func() bool { _, ok := g.seen("proj"); return ok })

	// commit while the poller is held so all three land in one poll
	held, hold := make(chan struct{}), make(chan struct{})
	_ = g.Queue(context.Background(), func(ctx context.Context) error {
		close(held)
		<-hold
		return nil
	})
	<-held
	repo.commit("one")
	two := repo.commit("two")
	three := repo.commit("three")
	close(hold)

	h.sink.waitFor(t, "[proj] ...and more")
	want := []string{
		"ops:[proj] " + two + " Tester: two",
		"ops:[proj] " + three + " Tester: three",
		"ops:[proj] ...and more",
	}
	if got := h.sink.sent(); !slices.Equal(got, want) {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestGitWatchRejectsMissingRepository(t *testing.T) {
	h := newHarness(t)
	_, err := h.buildErr(gitWatchSpec(filepath.Join(t.TempDir(), "absent"), 5))
	if err == nil || !strings.Contains(err.Error(), "failed to open") {
		t.Errorf("Expected an open error, got %v", err)
	}
}

func TestGitWatchConfigValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no repositories", "type: gitwatch\n", "at least one repository"},
		{"missing path", "type: gitwatch\nconfig:\n  repos:\n    - name: x\n", "path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.buildErr(tt.src)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

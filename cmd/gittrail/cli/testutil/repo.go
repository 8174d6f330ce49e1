// Package testutil provides shared fixtures for gittrail package tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TempDir returns a symlink-resolved temporary directory
// (macOS /var -> /private/var).
func TempDir(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return dir
}

// InitRepo creates a git repository at root/repo with n commits and returns
// its path and commit ids, newest first.
func InitRepo(t testing.TB, root string, n int) (string, []string) {
	t.Helper()

	dir := filepath.Join(root, "repo")
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to init repo: %v", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to get worktree: %v", err)
	}

	ids := make([]string, 0, n)
	for i := range n {
		name := "commit.txt"
		WriteFile(t, dir, name, fmt.Sprintf("Commit %d\n", i))
		if _, err := worktree.Add(name); err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
		hash, err := worktree.Commit(fmt.Sprintf("Commit %d", i), &git.CommitOptions{
			Author: &object.Signature{
				Name:  "Test User",
				Email: "test@example.com",
				When:  time.Now().Add(time.Duration(i) * time.Second),
			},
		})
		if err != nil {
			t.Fatalf("failed to commit: %v", err)
		}
		ids = append([]string{hash.String()}, ids...)
	}
	return dir, ids
}

// NewDataDir creates root/data.
func NewDataDir(t testing.TB, root string) string {
	t.Helper()
	dir := filepath.Join(root, "data")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("failed to create data dir: %v", err)
	}
	return dir
}

// WriteFile creates or overwrites dir/rel, creating parent directories.
func WriteFile(t testing.TB, dir, rel, content string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create parent of %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
	return path
}

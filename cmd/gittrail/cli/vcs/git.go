// Package vcs answers the two questions gittrail asks of version control:
// is the working tree clean, and which commits make up the history.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CleanMarker appears in a status text exactly when the working tree is clean.
const CleanMarker = "working tree clean"

// ErrNoCommits is returned by Log for a repository without commits.
var ErrNoCommits = errors.New("repository has no commits")

// Repository is a git repository opened with go-git. It is safe for
// concurrent use; queries are serialized.
type Repository struct {
	path string

	mu   sync.Mutex
	repo *git.Repository
}

// Open opens the repository at path (or an enclosing directory).
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", path, err)
	}
	return &Repository{path: path, repo: repo}, nil
}

// Path returns the path the repository was opened from.
func (r *Repository) Path() string {
	return r.path
}

// Status returns a human-readable status. The text contains CleanMarker
// exactly when nothing is staged, modified or untracked (ignored files excluded).
func (r *Repository) Status(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err //nolint:wrapcheck // context errors are returned as-is
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	worktree, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get status: %w", err)
	}

	branch := "HEAD (no branch)"
	if head, err := r.repo.Head(); err == nil && head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	if status.IsClean() {
		return fmt.Sprintf("On branch %s\nnothing to commit, %s", branch, CleanMarker), nil
	}
	return fmt.Sprintf("On branch %s\nChanges:\n%s", branch, strings.TrimRight(status.String(), "\n")), nil
}

// Log returns the ids of all commits reachable from HEAD, newest first.
func (r *Repository) Log(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrNoCommits
		}
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}

	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate commits: %w", err)
	}
	defer iter.Close()

	var ids []string
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // context errors are returned as-is
		}
		ids = append(ids, c.Hash.String())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk commits: %w", err)
	}
	return ids, nil
}

// IsClean reports whether a status text describes a clean working tree.
func IsClean(status string) bool {
	return strings.Contains(status, CleanMarker)
}

// Package fingerprint computes content digests of every file in a directory.
package fingerprint

import (
	"context"
	"crypto/md5" //nolint:gosec // digests identify content, they are not a security boundary
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/entireio/gittrail/cmd/gittrail/cli/paths"
	"github.com/gobwas/glob"
	"golang.org/x/sync/errgroup"
)

// Snapshot maps slash-separated relative paths to content digests.
type Snapshot map[string]string

type options struct {
	ignore      []glob.Glob
	concurrency int
}

// Option configures Scan.
type Option func(*options) error

// WithIgnore omits files whose relative path matches any of the glob
// patterns. Patterns use "/" as separator; "**" crosses directories.
func WithIgnore(patterns ...string) Option {
	return func(o *options) error {
		for _, p := range patterns {
			g, err := glob.Compile(p, '/')
			if err != nil {
				return fmt.Errorf("invalid ignore pattern %q: %w", p, err)
			}
			o.ignore = append(o.ignore, g)
		}
		return nil
	}
}

// CheckPatterns reports the first ignore pattern that does not compile.
func CheckPatterns(patterns ...string) error {
	return WithIgnore(patterns...)(&options{})
}

// WithConcurrency bounds the number of files hashed at once.
func WithConcurrency(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be >= 1, got %d", n)
		}
		o.concurrency = n
		return nil
	}
}

// Scan hashes every regular file below root. Files whose absolute path is in
// exclude, or whose relative path matches an ignore pattern, are omitted.
// Symlinks are not followed. Files and directories removed while the scan
// runs are left out of the snapshot.
func Scan(ctx context.Context, root string, exclude []string, opts ...Option) (Snapshot, error) {
	o := options{concurrency: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	excluded := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		rel, err := paths.ToSlashRel(root, p)
		if err != nil {
			continue // outside root: nothing to omit
		}
		excluded[rel] = true
	}

	var (
		mu       sync.Mutex
		snapshot = make(Snapshot)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != root && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := gctx.Err(); err != nil {
			return err //nolint:wrapcheck // context errors are returned as-is
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := paths.ToSlashRel(root, path)
		if err != nil {
			return err
		}
		if excluded[rel] || o.ignored(rel) {
			return nil
		}
		g.Go(func() error {
			digest, err := HashFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			snapshot[rel] = digest
			mu.Unlock()
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if walkErr != nil {
		return nil, fmt.Errorf("scan %s: %w", root, walkErr)
	}
	return snapshot, nil
}

func (o *options) ignored(rel string) bool {
	for _, g := range o.ignore {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// HashFile returns the hex MD5 digest of a file's content.
func HashFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from a directory walk
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // see import
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

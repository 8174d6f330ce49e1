package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is how often a blocked WithLock polls the lock file.
const lockRetryDelay = 10 * time.Millisecond

// WithLock runs fn while holding the ledger's advisory file lock. It blocks
// until the lock is free or ctx is done. The lock is released when fn returns
// or panics.
//
// Each call opens its own file description, so goroutines of one process
// exclude each other just like separate processes do.
func (s *Store) WithLock(ctx context.Context, fn func() error) (err error) {
	if err := s.EnsureDir(); err != nil {
		return err
	}

	lock := flock.New(s.LockPath())
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", s.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("acquire lock %s: not acquired", s.LockPath())
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("release lock %s: %w", s.LockPath(), unlockErr)
		}
	}()

	return fn()
}

// Package session drives the open/close lifecycle of gittrail sessions.
//
// Opening a session checks that the git working tree is clean, then, under the
// ledger lock, numbers the session, verifies the data directory against the
// ledger and writes an open record. Closing verifies again and writes the
// closed record. The caller's work between the two runs without the lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/entireio/gittrail/cmd/gittrail/cli/fingerprint"
	"github.com/entireio/gittrail/cmd/gittrail/cli/integrity"
	"github.com/entireio/gittrail/cmd/gittrail/cli/ledger"
	"github.com/entireio/gittrail/cmd/gittrail/cli/logging"
	"github.com/entireio/gittrail/cmd/gittrail/cli/paths"
	"github.com/entireio/gittrail/cmd/gittrail/cli/trailerr"
	"github.com/entireio/gittrail/cmd/gittrail/cli/vcs"
)

// VCS is the version control collaborator.
type VCS interface {
	// Status returns a status text containing vcs.CleanMarker exactly when
	// the working tree is clean.
	Status(ctx context.Context) (string, error)
	// Log returns commit ids reachable from HEAD, newest first.
	Log(ctx context.Context) ([]string, error)
}

// Trail links a git repository to a data directory.
type Trail struct {
	repo      string
	data      string
	storeName string
	store     *ledger.Store
	vcs       VCS
	logLevel  *slog.Level
	ignore    []string
	now       func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithStore sets the name of the ledger directory inside the data directory.
func WithStore(name string) Option {
	return func(t *Trail) { t.storeName = name }
}

// WithLogLevel raises the process-wide log level to l while a session is
// open and captures records at or above l in the session log.
func WithLogLevel(l slog.Level) Option {
	return func(t *Trail) { t.logLevel = &l }
}

// WithIgnore excludes data files matching the glob patterns from all
// snapshots.
func WithIgnore(patterns ...string) Option {
	return func(t *Trail) { t.ignore = append(t.ignore, patterns...) }
}

// WithVCS replaces the go-git backed collaborator.
func WithVCS(v VCS) Option {
	return func(t *Trail) { t.vcs = v }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// New returns a Trail for the repository at repo and the data directory at
// data. Both must exist.
func New(repo, data string, opts ...Option) (*Trail, error) {
	if !paths.IsDir(repo) {
		return nil, trailerr.New(trailerr.KindNotFound, "Repo path %s does not exist", repo)
	}
	if !paths.IsDir(data) {
		return nil, trailerr.New(trailerr.KindNotFound, "Data path %s does not exist", data)
	}
	repoAbs, err := paths.Abs(repo)
	if err != nil {
		return nil, err
	}
	dataAbs, err := paths.Abs(data)
	if err != nil {
		return nil, err
	}

	t := &Trail{repo: repoAbs, data: dataAbs, storeName: paths.DefaultStore, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}

	if err := fingerprint.CheckPatterns(t.ignore...); err != nil {
		return nil, err
	}
	t.store, err = ledger.Open(t.data, t.storeName)
	if err != nil {
		return nil, err
	}
	if t.vcs == nil {
		repository, err := vcs.Open(t.repo)
		if err != nil {
			return nil, err
		}
		t.vcs = repository
	}
	return t, nil
}

// Repo returns the absolute repository path.
func (t *Trail) Repo() string { return t.repo }

// Data returns the absolute data directory.
func (t *Trail) Data() string { return t.data }

// Store returns the ledger store.
func (t *Trail) Store() *ledger.Store { return t.store }

// NewSession returns an idle session.
func (t *Trail) NewSession() *Session {
	return &Session{trail: t, phase: PhaseIdle, number: trailerr.NoSession}
}

// Open opens a new session.
func (t *Trail) Open(ctx context.Context) (*Session, error) {
	s := t.NewSession()
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Run opens a session, runs fn and closes the session even when fn fails or
// ctx is canceled, unless fn closed it already. Errors of fn and of the close
// are joined.
func (t *Trail) Run(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	s, err := t.Open(ctx)
	if err != nil {
		return err
	}
	ctx = logging.WithSession(ctx, s.Number())
	closeCtx := context.WithoutCancel(ctx)

	var fnErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				if s.Phase().IsActive() {
					_ = s.Close(closeCtx)
				}
				panic(r)
			}
		}()
		fnErr = fn(ctx, s)
	}()
	if !s.Phase().IsActive() {
		// fn closed the session itself
		return fnErr
	}
	return errors.Join(fnErr, s.Close(closeCtx))
}

// Entries reads the ledger under the lock.
func (t *Trail) Entries(ctx context.Context) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	err := t.store.WithLock(ctx, func() error {
		var err error
		entries, err = t.store.ReadAll()
		return err
	})
	return entries, err
}

// Verify checks the data directory against the ledger as the next session
// would, without writing anything.
func (t *Trail) Verify(ctx context.Context) (*integrity.Report, error) {
	history, err := t.history(ctx)
	if err != nil {
		return nil, err
	}
	var report *integrity.Report
	err = t.store.WithLock(ctx, func() error {
		n, err := t.store.NextSessionNumber()
		if err != nil {
			return err
		}
		entries, err := t.store.ReadAll()
		if err != nil {
			return err
		}
		snapshot, err := t.scan(ctx)
		if err != nil {
			return err
		}
		report, err = integrity.Verify(integrity.Input{
			Session:  n,
			Entries:  entries,
			Snapshot: snapshot,
			History:  history,
			Paths:    t.store,
		})
		return err
	})
	return report, err
}

func (t *Trail) scan(ctx context.Context) (map[string]string, error) {
	snapshot, err := fingerprint.Scan(ctx, t.data, []string{t.store.LockPath()},
		fingerprint.WithIgnore(t.ignore...),
		fingerprint.WithIgnore(t.store.TempPattern()))
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// removeStaleTemps deletes record temp files of writers that died mid-write.
// Callers hold the lock, so no live writer owns them.
func (t *Trail) removeStaleTemps(ctx context.Context) error {
	removed, err := t.store.RemoveStaleTemps()
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		logging.Warn(ctx, "removed stale temporary record files",
			slog.String("files", strings.Join(removed, ", ")))
	}
	return nil
}

func (t *Trail) history(ctx context.Context) ([]string, error) {
	history, err := t.vcs.Log(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read git history of %s: %w", t.repo, err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("failed to read git history of %s: %w", t.repo, vcs.ErrNoCommits)
	}
	return history, nil
}

// Session is one tracked unit of work. A Session is safe for concurrent use,
// but its lifecycle methods must be called in order: Open, then Close.
type Session struct {
	trail *Trail

	mu       sync.Mutex
	phase    Phase
	number   int
	commitID string
	start    ledger.Timestamp
	end      *ledger.Timestamp
	files    map[string]string
	sink     *logging.Sink
	report   *integrity.Report
}

// Open moves an idle session to PhaseOpen and writes its open record. On
// error nothing is written and the session is idle again.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fire(EventOpen); err != nil {
		return err
	}
	if err := s.open(ctx); err != nil {
		_ = s.fire(EventOpenFailed)
		return err
	}
	return s.fire(EventOpened)
}

func (s *Session) open(ctx context.Context) error {
	t := s.trail
	ctx = logging.WithComponent(ctx, "session")

	status, err := t.vcs.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get git status of %s: %w", t.repo, err)
	}
	if !vcs.IsClean(status) {
		return trailerr.New(trailerr.KindUncleanState,
			"The git status of %s indicates uncommitted changes:\n%s", t.repo, status)
	}
	history, err := t.history(ctx)
	if err != nil {
		return err
	}

	return t.store.WithLock(ctx, func() error {
		number, err := t.store.NextSessionNumber()
		if err != nil {
			return err
		}
		entries, err := t.store.ReadAll()
		if err != nil {
			return err
		}
		sctx := logging.WithSession(ctx, number)
		if err := t.removeStaleTemps(sctx); err != nil {
			return err
		}
		logging.Debug(sctx, "checking integrity", slog.String("data", t.data))

		snapshot, err := t.scan(ctx)
		if err != nil {
			return err
		}
		report, err := integrity.Verify(integrity.Input{
			Session:  number,
			Entries:  entries,
			Snapshot: snapshot,
			History:  history,
			Paths:    t.store,
		})
		logReport(sctx, report)
		if err != nil {
			return err
		}

		active := ledger.Active(entries)
		rec := &ledger.Record{
			CommitID: history[0],
			StartUTC: ledger.NextTimestamp(t.now(), entries),
			Files:    t.store.Prune(snapshot, active, active),
		}
		if err := t.store.WriteSession(number, rec); err != nil {
			return err
		}

		s.number = number
		s.commitID = rec.CommitID
		s.start = rec.StartUTC
		s.end = nil
		s.files = rec.Files
		s.report = report
		s.attach(sctx)
		logging.Info(sctx, "session opened", slog.String("commit", rec.CommitID))
		return nil
	})
}

// Close writes the closed record. On error the record stays active, the
// session log is re-attached and the session remains open, so Close may be
// retried.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fire(EventClose); err != nil {
		return err
	}
	ctx = logging.WithSession(logging.WithComponent(ctx, "session"), s.number)
	logging.Debug(ctx, "detaching session log")
	s.detach(ctx)

	if err := s.close(ctx); err != nil {
		s.attach(ctx)
		_ = s.fire(EventCloseFailed)
		return err
	}
	logging.Info(ctx, "session closed", slog.Int("files", len(s.files)))
	return s.fire(EventClosed)
}

func (s *Session) close(ctx context.Context) error {
	t := s.trail
	history, err := t.history(ctx)
	if err != nil {
		return err
	}

	return t.store.WithLock(ctx, func() error {
		entries, err := t.store.ReadAll()
		if err != nil {
			return err
		}
		if s.number >= len(entries) || !entries[s.number].Record.Active() {
			return trailerr.New(trailerr.KindIntegrity,
				"Audit trail session %d is no longer active", s.number).WithSession(s.number)
		}
		if err := t.removeStaleTemps(ctx); err != nil {
			return err
		}

		snapshot, err := t.scan(ctx)
		if err != nil {
			return err
		}
		report, err := integrity.Verify(integrity.Input{
			Session:  s.number,
			Closing:  true,
			Entries:  entries,
			Snapshot: snapshot,
			History:  history,
			Paths:    t.store,
		})
		logReport(ctx, report)
		if err != nil {
			return err
		}

		active := ledger.Active(entries)
		others := maps.Clone(active)
		delete(others, s.number)
		end := ledger.NextTimestamp(t.now(), entries)
		rec := &ledger.Record{
			CommitID: s.commitID,
			StartUTC: s.start,
			EndUTC:   &end,
			Files:    t.store.Prune(snapshot, active, others),
		}
		if err := t.store.WriteSession(s.number, rec); err != nil {
			return err
		}

		s.end = &end
		s.files = rec.Files
		s.report = report
		return nil
	})
}

func (s *Session) fire(event Event) error {
	next, err := Transition(s.phase, event)
	if err != nil {
		return err
	}
	s.phase = next
	return nil
}

// attach routes process logs to the session log. Failing to do so does not
// fail the session.
func (s *Session) attach(ctx context.Context) {
	sink, err := logging.Attach(s.trail.store.LogPath(s.number), s.trail.logLevel)
	if err != nil {
		logging.Warn(ctx, "failed to attach session log", slog.String("error", err.Error()))
		return
	}
	s.sink = sink
}

func (s *Session) detach(ctx context.Context) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Close(); err != nil {
		logging.Warn(ctx, "failed to close session log", slog.String("error", err.Error()))
	}
	s.sink = nil
}

func logReport(ctx context.Context, report *integrity.Report) {
	if report == nil {
		return
	}
	for _, m := range report.Messages() {
		logging.Log(ctx, m.Level, m.Text, slog.Int("count", len(m.Paths)))
	}
}

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Number returns the session number, or trailerr.NoSession before the
// session was opened.
func (s *Session) Number() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.number
}

// CommitID returns the HEAD commit recorded at open.
func (s *Session) CommitID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitID
}

// StartUTC returns the start timestamp of the record.
func (s *Session) StartUTC() ledger.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// EndUTC returns the end timestamp, or nil while the session is active.
func (s *Session) EndUTC() *ledger.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end == nil {
		return nil
	}
	end := *s.end
	return &end
}

// Files returns the files of the most recently written record.
func (s *Session) Files() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.files)
}

// Report returns the outcome of the latest verification.
func (s *Session) Report() *integrity.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// LogPath returns the path of the session log. It is empty before Open.
func (s *Session) LogPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.number == trailerr.NoSession {
		return ""
	}
	return s.trail.store.LogPath(s.number)
}

// LogWriter returns a writer appending to the session log while the session
// is open, for capturing the output of child processes.
func (s *Session) LogWriter() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink == nil {
		return io.Discard
	}
	return s.sink
}

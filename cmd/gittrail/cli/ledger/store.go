// Package ledger reads and writes the numbered session records of a gittrail
// store and guards them with a cross-process file lock.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/entireio/gittrail/cmd/gittrail/cli/jsonutil"
	"github.com/entireio/gittrail/cmd/gittrail/cli/paths"
	"github.com/entireio/gittrail/cmd/gittrail/cli/trailerr"
	"github.com/gobwas/glob"
)

// tempInfix marks the temporary files of an atomic record write:
// .<NNNN>.json.tmp-<random>.
const tempInfix = paths.RecordExt + ".tmp-"

// Store is the ledger directory <data>/<name>.
type Store struct {
	dataDir string
	name    string
	dir     string
}

// Open describes the store named name inside dataDir. It does not touch the
// filesystem; use EnsureDir to create the directory.
func Open(dataDir, name string) (*Store, error) {
	if name == "" {
		name = paths.DefaultStore
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid store name %q: must be a single directory name", name)
	}
	return &Store{dataDir: dataDir, name: name, dir: filepath.Join(dataDir, name)}, nil
}

// DataDir returns the data directory the store lives in.
func (s *Store) DataDir() string { return s.dataDir }

// Name returns the store's directory name.
func (s *Store) Name() string { return s.name }

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// EnsureDir creates the store directory if needed.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create store directory %s: %w", s.dir, err)
	}
	return nil
}

// RecordPath returns the absolute path of a session's record.
func (s *Store) RecordPath(session int) string {
	return filepath.Join(s.dir, paths.RecordFileName(session))
}

// LogPath returns the absolute path of a session's log.
func (s *Store) LogPath(session int) string {
	return filepath.Join(s.dir, paths.LogFileName(session))
}

// LockPath returns the absolute path of the lock file.
func (s *Store) LockPath() string {
	return filepath.Join(s.dir, paths.LockFileName)
}

// RelRecordPath returns a session's record path relative to the data directory.
func (s *Store) RelRecordPath(session int) string {
	return s.name + "/" + paths.RecordFileName(session)
}

// RelLogPath returns a session's log path relative to the data directory.
func (s *Store) RelLogPath(session int) string {
	return s.name + "/" + paths.LogFileName(session)
}

// TempPattern is an ignore pattern, relative to the data directory, matching
// temporary record files. Such files only exist while a writer holds the lock.
func (s *Store) TempPattern() string {
	return glob.QuoteMeta(s.name) + "/.*" + tempInfix + "*"
}

// RemoveStaleTemps deletes temporary record files left behind by a writer
// that died before renaming them, and returns their data-relative paths.
// Callers must hold the lock.
func (s *Store) RemoveStaleTemps() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory %s: %w", s.dir, err)
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || !strings.HasPrefix(name, ".") || !strings.Contains(name, tempInfix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove stale temp file %s: %w", name, err)
		}
		removed = append(removed, s.name+"/"+name)
	}
	return removed, nil
}

// NextSessionNumber returns the number of records in the store, which is the
// number the next session gets. Records must be numbered 0..N-1 without gaps.
func (s *Store) NextSessionNumber() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list store %s: %w", s.dir, err)
	}

	var numbers []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := paths.ParseRecordFileName(e.Name())
		if !ok || e.Name() != paths.RecordFileName(n) {
			continue
		}
		numbers = append(numbers, n)
	}
	slices.Sort(numbers)

	for want, got := range numbers {
		if got != want {
			return 0, trailerr.New(trailerr.KindIncompleteHistory,
				"Missing audit trail of session number %d", want).WithSession(want)
		}
	}
	return len(numbers), nil
}

// Read loads and validates one record.
func (s *Store) Read(session int) (*Record, error) {
	path := s.RecordPath(session)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the store directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, trailerr.New(trailerr.KindIncompleteHistory,
				"Missing audit trail of session number %d", session).WithSession(session)
		}
		return nil, fmt.Errorf("failed to read record %s: %w", path, err)
	}

	if err := ValidateRecordJSON(data); err != nil {
		return nil, malformed(session, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, malformed(session, err)
	}
	if rec.Files == nil {
		rec.Files = map[string]string{}
	}
	return &rec, nil
}

func malformed(session int, cause error) error {
	return trailerr.Wrap(cause, trailerr.KindIntegrity,
		"Audit trail session %d has a malformed record", session).WithSession(session)
}

// ReadAll loads every record in session order.
func (s *Store) ReadAll() ([]Entry, error) {
	n, err := s.NextSessionNumber()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, n)
	for session := range n {
		rec, err := s.Read(session)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Session: session, Record: rec})
	}
	return entries, nil
}

// ActiveSessions returns the numbers of all records without an end timestamp.
func (s *Store) ActiveSessions() (map[int]bool, error) {
	entries, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	return Active(entries), nil
}

// Active returns the session numbers of the active entries.
func Active(entries []Entry) map[int]bool {
	active := make(map[int]bool)
	for _, e := range entries {
		if e.Record.Active() {
			active[e.Session] = true
		}
	}
	return active
}

// WriteSession writes a session's record.
func (s *Store) WriteSession(session int, rec *Record) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	return s.Write(s.RecordPath(session), rec)
}

// Write replaces the file at path with rec. Readers never see a partial record.
func (s *Store) Write(path string, rec *Record) error {
	files := rec.Files
	if files == nil {
		files = map[string]string{}
	}
	out := *rec
	out.Files = files

	data, err := jsonutil.MarshalIndentWithNewline(&out, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write record %s: %w", path, err)
	}
	return nil
}

// Prune returns a copy of files without the records of dropRecords and the
// logs of dropLogs.
func (s *Store) Prune(files map[string]string, dropRecords, dropLogs map[int]bool) map[string]string {
	drop := make(map[string]bool, len(dropRecords)+len(dropLogs))
	for n := range dropRecords {
		drop[s.RelRecordPath(n)] = true
	}
	for n := range dropLogs {
		drop[s.RelLogPath(n)] = true
	}
	out := make(map[string]string, len(files))
	for p, digest := range files {
		if !drop[p] {
			out[p] = digest
		}
	}
	return out
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	parent := filepath.Dir(path)
	base := filepath.Base(path)

	tempFile, err := os.CreateTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Chmod(mode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS != "windows" {
			return fmt.Errorf("rename temp file: %w", err)
		}
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove destination before rename: %w", removeErr)
		}
		if renameErr := os.Rename(tempPath, path); renameErr != nil {
			return fmt.Errorf("rename temp file after remove: %w", renameErr)
		}
	}
	cleanup = false

	if dir, err := os.Open(parent); err == nil { //nolint:gosec // parent of a store path
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}

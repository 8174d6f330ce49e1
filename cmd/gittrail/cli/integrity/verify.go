// Package integrity reconciles a fresh fingerprint snapshot of the data
// directory with the history recorded in the ledger.
//
// Differences fall into three classes. Bookkeeping files of active sessions
// are expected to be volatile. Changes that some active session may have made
// are reported as warnings. Anything else that appeared or changed outside a
// session is fatal.
package integrity

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/entireio/gittrail/cmd/gittrail/cli/ledger"
	"github.com/entireio/gittrail/cmd/gittrail/cli/trailerr"
)

// Bookkeeping names the ledger's own files relative to the data directory.
type Bookkeeping interface {
	RelRecordPath(session int) string
	RelLogPath(session int) string
}

// Input is everything Verify looks at.
type Input struct {
	// Session is the session that is opening or closing.
	Session int
	// Closing is set when Session is being closed.
	Closing bool
	// Entries is the full ledger in session order.
	Entries []ledger.Entry
	// Snapshot is the current fingerprint of the data directory.
	Snapshot map[string]string
	// History holds the commit ids reachable from HEAD.
	History []string
	Paths   Bookkeeping
}

// Report is the outcome of a verification. All path lists are sorted.
type Report struct {
	Session int
	Closing bool
	// Active holds the active sessions at verification time.
	Active   []int
	Expected []string
	Missing  []string
	Added    []string
	Changed  []string
}

// Message is a non-fatal finding.
type Message struct {
	Level slog.Level
	Text  string
	Paths []string
}

// Chronological orders entries by the moment they became authoritative: the
// end of closed records, the start of active ones. Ties go to the lower
// session number.
func Chronological(entries []ledger.Entry) (ordered, active, ended []ledger.Entry) {
	ordered = slices.Clone(entries)
	slices.SortStableFunc(ordered, func(a, b ledger.Entry) int {
		if c := key(a).Compare(key(b).Time); c != 0 {
			return c
		}
		return cmp.Compare(a.Session, b.Session)
	})
	for _, e := range ordered {
		if e.Record.Active() {
			active = append(active, e)
		} else {
			ended = append(ended, e)
		}
	}
	return ordered, active, ended
}

func key(e ledger.Entry) ledger.Timestamp {
	if e.Record.EndUTC != nil {
		return *e.Record.EndUTC
	}
	return e.Record.StartUTC
}

// KnownFiles folds the files of chronologically ordered entries into the most
// recently recorded digest per path. The entries are not modified.
func KnownFiles(ordered []ledger.Entry) map[string]string {
	known := make(map[string]string)
	for _, e := range ordered {
		maps.Copy(known, e.Record.Files)
	}
	return known
}

// Latest returns the files of the most recently written record. A path that
// is known but absent here was retired by a later session.
func Latest(ordered []ledger.Entry) map[string]string {
	if len(ordered) == 0 {
		return nil
	}
	return ordered[len(ordered)-1].Record.Files
}

// ExpectedExtra returns the bookkeeping paths that may differ from history:
// record and log of every active session, plus the record of the most recent
// entry when that entry is closed.
func ExpectedExtra(ordered []ledger.Entry, bk Bookkeeping) map[string]bool {
	expected := make(map[string]bool)
	for _, e := range ordered {
		if e.Record.Active() {
			expected[bk.RelRecordPath(e.Session)] = true
			expected[bk.RelLogPath(e.Session)] = true
		}
	}
	if n := len(ordered); n > 0 && !ordered[n-1].Record.Active() {
		expected[bk.RelRecordPath(ordered[n-1].Session)] = true
	}
	return expected
}

// Verify classifies the differences between in.Snapshot and the ledger.
// Fatal findings return a *trailerr.Error; the report is returned alongside
// so that warnings found before the fatal step can still be logged.
func Verify(in Input) (*Report, error) {
	ordered, active, _ := Chronological(in.Entries)

	report := &Report{Session: in.Session, Closing: in.Closing}
	for _, e := range active {
		report.Active = append(report.Active, e.Session)
	}
	slices.Sort(report.Active)

	history := make(map[string]bool, len(in.History))
	for _, id := range in.History {
		history[id] = true
	}
	for _, e := range in.Entries {
		if !history[e.Record.CommitID] {
			return report, trailerr.New(trailerr.KindUnknownCommit,
				"Audit trail session %d ran with commit %s that's not in the git history",
				e.Session, e.Record.CommitID).WithSession(e.Session)
		}
	}

	known := KnownFiles(ordered)
	expected := ExpectedExtra(ordered, in.Paths)
	report.Expected = sortedKeys(expected)

	var corrupt []string
	for _, p := range report.Expected {
		if _, ok := known[p]; ok {
			corrupt = append(corrupt, p)
		}
	}
	if len(corrupt) > 0 {
		return report, trailerr.New(trailerr.KindIntegrity,
			"Found %d bookkeeping files that should not be in the history:\n%s",
			len(corrupt), trailerr.FormatPaths(corrupt)).WithSession(in.Session).WithPaths(corrupt)
	}

	for p := range Latest(ordered) {
		if _, ok := in.Snapshot[p]; !ok {
			report.Missing = append(report.Missing, p)
		}
	}
	for p, digest := range in.Snapshot {
		if expected[p] {
			continue
		}
		before, ok := known[p]
		switch {
		case !ok:
			report.Added = append(report.Added, p)
		case before != digest:
			report.Changed = append(report.Changed, p)
		}
	}
	slices.Sort(report.Missing)
	slices.Sort(report.Added)
	slices.Sort(report.Changed)

	if len(report.Active) > 0 {
		return report, nil
	}
	if len(report.Added) > 0 {
		return report, illegal(in.Session, "added", report.Added)
	}
	if len(report.Changed) > 0 {
		return report, illegal(in.Session, "changed", report.Changed)
	}
	return report, nil
}

func illegal(session int, verb string, files []string) error {
	return trailerr.New(trailerr.KindIntegrity,
		"Found %d files that were illegally %s:\n%s",
		len(files), verb, trailerr.FormatPaths(files)).WithSession(session).WithPaths(files)
}

// Messages renders the non-fatal findings in the order they were detected.
func (r *Report) Messages() []Message {
	var msgs []Message
	if len(r.Missing) > 0 {
		msgs = append(msgs, Message{
			Level: slog.LevelWarn,
			Text: fmt.Sprintf("Missing %d files compared to the previous session:\n%s",
				len(r.Missing), trailerr.FormatPaths(r.Missing)),
			Paths: r.Missing,
		})
	}
	if len(r.Active) == 0 {
		return msgs
	}
	for _, f := range []struct {
		verb  string
		paths []string
	}{{"added", r.Added}, {"changed", r.Changed}} {
		if len(f.paths) == 0 {
			continue
		}
		msgs = append(msgs, r.attribute(f.verb, f.paths))
	}
	return msgs
}

func (r *Report) attribute(verb string, files []string) Message {
	if r.selfAttributed() {
		return Message{
			Level: slog.LevelInfo,
			Text: fmt.Sprintf("Session %d %s %d files:\n%s",
				r.Session, verb, len(files), trailerr.FormatPaths(files)),
			Paths: files,
		}
	}
	return Message{
		Level: slog.LevelWarn,
		Text: fmt.Sprintf("One of the %d currently active sessions %s %d files:\n%s",
			len(r.Active), verb, len(files), trailerr.FormatPaths(files)),
		Paths: files,
	}
}

// selfAttributed reports whether the closing session is the only one that
// could have made the changes.
func (r *Report) selfAttributed() bool {
	return r.Closing && len(r.Active) == 1 && r.Active[0] == r.Session
}

// Warnings returns the texts of warning-level messages.
func (r *Report) Warnings() []string {
	return r.texts(func(l slog.Level) bool { return l >= slog.LevelWarn })
}

// Notes returns the texts of informational messages.
func (r *Report) Notes() []string {
	return r.texts(func(l slog.Level) bool { return l < slog.LevelWarn })
}

func (r *Report) texts(keep func(slog.Level) bool) []string {
	var out []string
	for _, m := range r.Messages() {
		if keep(m.Level) {
			out = append(out, m.Text)
		}
	}
	return out
}

// Clean reports whether nothing differs from history.
func (r *Report) Clean() bool {
	return len(r.Missing) == 0 && len(r.Added) == 0 && len(r.Changed) == 0
}

// Summary is a one-line description for status output.
func (r *Report) Summary() string {
	if r.Clean() {
		return "no differences"
	}
	var parts []string
	for _, c := range []struct {
		name string
		n    int
	}{{"missing", len(r.Missing)}, {"added", len(r.Added)}, {"changed", len(r.Changed)}} {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.name))
		}
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

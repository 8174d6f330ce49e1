// Package trailerr classifies the fatal conditions of a gittrail ledger.
//
// Every error carries a Kind. Sentinels such as ErrIntegrity match any error of
// the same kind through errors.Is, so callers never need to type-assert.
package trailerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names one class of fatal ledger condition.
type Kind string

const (
	// KindNotFound is raised when a configured repository or data path is absent.
	KindNotFound Kind = "not_found"
	// KindUncleanState is raised when the git working tree has uncommitted changes.
	KindUncleanState Kind = "unclean_state"
	// KindIncompleteHistory is raised when the ledger numbering has a gap.
	KindIncompleteHistory Kind = "incomplete_history"
	// KindUnknownCommit is raised when a record links a commit that is not in the history.
	KindUnknownCommit Kind = "unknown_commit"
	// KindIntegrity is raised for unauthorized additions/changes or an inconsistent ledger.
	KindIntegrity Kind = "integrity"
)

// NoSession marks an error that is not tied to a ledger session.
const NoSession = -1

// Sentinels for errors.Is.
var (
	ErrNotFound          = &Error{kind: KindNotFound, session: NoSession}
	ErrUncleanState      = &Error{kind: KindUncleanState, session: NoSession}
	ErrIncompleteHistory = &Error{kind: KindIncompleteHistory, session: NoSession}
	ErrUnknownCommit     = &Error{kind: KindUnknownCommit, session: NoSession}
	ErrIntegrity         = &Error{kind: KindIntegrity, session: NoSession}
)

// Error is a classified ledger error.
type Error struct {
	kind    Kind
	session int
	paths   []string
	msg     string
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.msg != "" && e.cause != nil:
		return e.msg + ": " + e.cause.Error()
	case e.msg != "":
		return e.msg
	case e.cause != nil:
		return e.cause.Error()
	default:
		return string(e.kind)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.kind == e.kind
}

// Kind returns the error class.
func (e *Error) Kind() Kind {
	return e.kind
}

// Session returns the session the error refers to, or NoSession.
func (e *Error) Session() int {
	return e.session
}

// Paths returns the offending data-relative paths, if any.
func (e *Error) Paths() []string {
	return e.paths
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, session: NoSession, msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind that keeps cause in its chain.
func Wrap(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, session: NoSession, msg: fmt.Sprintf(format, args...), cause: cause}
}

// WithSession attaches a session number.
func (e *Error) WithSession(session int) *Error {
	e.session = session
	return e
}

// WithPaths attaches offending paths.
func (e *Error) WithPaths(paths []string) *Error {
	e.paths = append([]string(nil), paths...)
	return e
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return ""
}

// SessionOf returns the session number carried by err, or NoSession.
func SessionOf(err error) int {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.session
	}
	return NoSession
}

// PathsOf returns the offending paths carried by err.
func PathsOf(err error) []string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.paths
	}
	return nil
}

// FormatPaths renders paths one per line for error and warning messages.
func FormatPaths(paths []string) string {
	return strings.Join(paths, "\n")
}

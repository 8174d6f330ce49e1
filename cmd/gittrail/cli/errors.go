package cli

import (
	"errors"
	"strconv"

	"github.com/entireio/gittrail/cmd/gittrail/cli/trailerr"
)

// SilentError wraps an error whose message has already been printed.
// main exits with the error's code without printing it again.
type SilentError struct {
	err error
}

// NewSilentError wraps err so that main does not print it.
func NewSilentError(err error) *SilentError {
	return &SilentError{err: err}
}

func (e *SilentError) Error() string {
	return e.err.Error()
}

func (e *SilentError) Unwrap() error {
	return e.err
}

// ChildExitError carries the non-zero exit code of the command run inside a
// session.
type ChildExitError struct {
	Code int
}

func (e *ChildExitError) Error() string {
	return "command exited with status " + strconv.Itoa(e.Code)
}

// Process exit codes.
const (
	ExitOK                = 0
	ExitError             = 1
	ExitNotFound          = 2
	ExitUncleanState      = 3
	ExitIncompleteHistory = 4
	ExitUnknownCommit     = 5
	ExitIntegrity         = 6
)

var exitCodes = map[trailerr.Kind]int{
	trailerr.KindNotFound:          ExitNotFound,
	trailerr.KindUncleanState:      ExitUncleanState,
	trailerr.KindIncompleteHistory: ExitIncompleteHistory,
	trailerr.KindUnknownCommit:     ExitUnknownCommit,
	trailerr.KindIntegrity:         ExitIntegrity,
}

// ExitCode maps err to the process exit code. Ledger errors take precedence
// over the exit code of the command run inside a session.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if code, ok := exitCodes[trailerr.KindOf(err)]; ok {
		return code
	}
	var child *ChildExitError
	if errors.As(err, &child) && child.Code > 0 {
		return child.Code
	}
	return ExitError
}

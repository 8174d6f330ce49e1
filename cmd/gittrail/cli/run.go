package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/entireio/gittrail/cmd/gittrail/cli/logging"
	"github.com/entireio/gittrail/cmd/gittrail/cli/session"

	"github.com/spf13/cobra"
)

// Environment variables exported to the command run inside a session.
const (
	SessionEnvVar = "GITTRAIL_SESSION"
	LogEnvVar     = "GITTRAIL_LOG"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run a command inside a session",
		Long: `Open a session, run the command, then close the session.

The command's output is copied to the session log. The session number and
log path are exported as GITTRAIL_SESSION and GITTRAIL_LOG. gittrail exits
with the command's exit code unless the ledger reports an error.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trail, err := opts.newTrail()
			if err != nil {
				return err
			}
			return runInSession(cmd.Context(), trail, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}
	return cmd
}

func runInSession(ctx context.Context, trail *session.Trail, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	ctx = logging.WithComponent(ctx, "run")

	exitCode := 0
	err := trail.Run(ctx, func(ctx context.Context, s *session.Session) error {
		logging.Info(ctx, "running command", slog.String("command", strings.Join(args, " ")))

		log := s.LogWriter()
		child := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // running the user's command is the point
		child.Stdin = stdin
		child.Stdout = io.MultiWriter(stdout, log)
		child.Stderr = io.MultiWriter(stderr, log)
		child.Env = append(os.Environ(),
			SessionEnvVar+"="+strconv.Itoa(s.Number()),
			LogEnvVar+"="+s.LogPath(),
		)

		err := child.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			logging.Warn(ctx, "command failed", slog.Int("exit_code", exitCode))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to run %s: %w", args[0], err)
		}
		logging.Info(ctx, "command finished")
		return nil
	})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return NewSilentError(&ChildExitError{Code: exitCode})
	}
	return nil
}

package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/entireio/gittrail/cmd/gittrail/cli/integrity"

	"github.com/spf13/cobra"
)

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the data directory against the ledger",
		Long: `Run the checks a new session would run when opening, without writing to
the ledger. The git working tree does not need to be clean.

Exits non-zero when a new session would be refused.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			trail, err := opts.newTrail()
			if err != nil {
				return err
			}
			report, verr := trail.Verify(cmd.Context())
			writeReport(cmd.OutOrStdout(), newPalette(cmd.OutOrStdout()), report, verr)
			if verr != nil {
				return NewSilentError(verr)
			}
			return nil
		},
	}
	return cmd
}

// writeReport prints the findings of a verification, warnings first and the
// verdict last.
func writeReport(w io.Writer, p palette, report *integrity.Report, verr error) {
	if report != nil {
		for _, m := range report.Messages() {
			v := verdictNote
			if m.Level >= slog.LevelWarn {
				v = verdictWarn
			}
			fmt.Fprintf(w, "%s %s\n", p.mark(v), m.Text)
		}
	}

	switch {
	case verr != nil:
		fmt.Fprintf(w, "%s %s\n", p.mark(verdictFail), verr)
	case report != nil:
		fmt.Fprintf(w, "%s %s\n", p.mark(verdictOK),
			p.fields(fmt.Sprintf("session %d can open", report.Session), report.Summary()))
	}
}

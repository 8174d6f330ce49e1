package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"github.com/entireio/gittrail/cmd/gittrail/cli/fingerprint"
	"github.com/entireio/gittrail/cmd/gittrail/cli/ledger"
	"github.com/entireio/gittrail/cmd/gittrail/cli/logging"
	"github.com/entireio/gittrail/cmd/gittrail/cli/paths"
	"github.com/entireio/gittrail/cmd/gittrail/cli/settings"

	"github.com/spf13/cobra"
)

// initOptions are the settings init writes. Empty values keep what the
// committed settings file already has.
type initOptions struct {
	store           string
	sessionLogLevel string
	ignore          []string
}

func newInitCmd(opts *rootOptions) *cobra.Command {
	var in initOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the repository's gittrail settings",
		Long: `Create or update .gittrail/settings.json in the repository.

The file must be committed before the next session opens: an uncommitted
settings file leaves the working tree unclean.

  gittrail init --store audit --ignore '*.tmp' --ignore 'cache/**'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.store = opts.store
			return runInit(cmd.OutOrStdout(), opts.repo, in)
		},
	}

	cmd.Flags().StringVar(&in.sessionLogLevel, "session-log-level", "", "Log level while a session is open")
	cmd.Flags().StringArrayVar(&in.ignore, "ignore", nil, "Glob pattern of data files never fingerprinted (repeatable)")

	return cmd
}

func runInit(w io.Writer, repo string, in initOptions) error {
	if !paths.IsDir(repo) {
		return fmt.Errorf("repository %s does not exist", repo)
	}

	s, err := settings.LoadFromFile(settings.FilePath(repo))
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if in.store != "" {
		if _, err := ledger.Open(repo, in.store); err != nil {
			return err
		}
		s.Store = in.store
	}
	if in.sessionLogLevel != "" {
		if _, err := logging.ParseLevel(in.sessionLogLevel); err != nil {
			return err
		}
		s.SessionLogLevel = in.sessionLogLevel
	}
	if err := fingerprint.CheckPatterns(in.ignore...); err != nil {
		return err
	}
	for _, p := range in.ignore {
		if !slices.Contains(s.Ignore, p) {
			s.Ignore = append(s.Ignore, p)
		}
	}

	if err := settings.Save(repo, s); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	rel := filepath.Join(paths.SettingsDir, paths.SettingsFileName)
	fmt.Fprintf(w, "%s wrote %s\n", newPalette(w).mark(verdictOK), rel)
	fmt.Fprintf(w, "Commit %s before opening the next session.\n", rel)
	return nil
}

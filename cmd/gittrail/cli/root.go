// Package cli implements the gittrail command line.
package cli

import (
	"errors"
	"fmt"

	"github.com/entireio/gittrail/cmd/gittrail/cli/logging"
	"github.com/entireio/gittrail/cmd/gittrail/cli/session"
	"github.com/entireio/gittrail/cmd/gittrail/cli/settings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	repo     string
	data     string
	store    string
	logLevel string

	settings *settings.Settings
}

// NewRootCmd builds the gittrail command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gittrail",
		Short: "Link a data directory to the git commit that produced it",
		Long: `gittrail records which commit of a repository produced the files in a data
directory, and detects changes made to that directory outside of a session.

Sessions are numbered in a ledger kept inside the data directory:

  gittrail --data ./data run -- python pipeline.py
  gittrail --data ./data status`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.init(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			logging.Close()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.repo, "repo", ".", "Path to the git repository holding the code")
	pf.StringVar(&opts.data, "data", "", "Path to the data directory to track")
	pf.StringVar(&opts.store, "store", "", "Name of the ledger directory inside the data directory (default \"gittrail\")")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	// Explain a bare --data instead of printing pflag's generic message
	defaultFlagErr := cmd.FlagErrorFunc()
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		var valErr *pflag.ValueRequiredError
		if errors.As(err, &valErr) && valErr.GetSpecifiedName() == "data" {
			fmt.Fprintln(c.ErrOrStderr(), "--data needs the path of the data directory to track, e.g. --data ./data")
			return NewSilentError(errors.New("missing data directory"))
		}
		return defaultFlagErr(c, err)
	})

	cmd.AddCommand(newInitCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newVerifyCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func (o *rootOptions) init(cmd *cobra.Command) error {
	s, err := settings.Load(o.repo)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	o.settings = s

	logging.SetOutput(cmd.ErrOrStderr())
	logging.SetLogLevelGetter(s.EffectiveLogLevel)
	if err := logging.Init(o.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// newTrail builds a Trail from flags and settings. Flags win over settings.
func (o *rootOptions) newTrail() (*session.Trail, error) {
	if o.data == "" {
		return nil, errors.New(`required flag "data" not set`)
	}
	s := o.settings
	if s == nil {
		s = settings.Default()
	}

	store := s.Store
	if o.store != "" {
		store = o.store
	}
	opts := []session.Option{
		session.WithStore(store),
		session.WithIgnore(s.Ignore...),
	}
	if s.SessionLogLevel != "" {
		lvl, err := logging.ParseLevel(s.SessionLogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid session_log_level: %w", err)
		}
		opts = append(opts, session.WithLogLevel(lvl))
	}
	return session.New(o.repo, o.data, opts...)
}

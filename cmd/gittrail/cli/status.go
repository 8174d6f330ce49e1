package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/entireio/gittrail/cmd/gittrail/cli/jsonutil"
	"github.com/entireio/gittrail/cmd/gittrail/cli/ledger"

	"github.com/spf13/cobra"
)

const shortIDLen = 7

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the sessions of the ledger",
		Long: `List every session recorded in the ledger with its commit, start and end
time, number of tracked files and a digest of the tracked files.

Sessions without an end time are still active. A session stays active
forever when the process running it died before closing it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			trail, err := opts.newTrail()
			if err != nil {
				return err
			}
			entries, err := trail.Entries(cmd.Context())
			if err != nil {
				return err
			}
			dir := filepath.Join(trail.Data(), trail.Store().Name())
			if asJSON {
				return writeStatusJSON(cmd.OutOrStdout(), entries)
			}
			return writeStatus(cmd.OutOrStdout(), newPalette(cmd.OutOrStdout()), dir, entries, time.Now())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the ledger as JSON")

	return cmd
}

// statusEntry is one session in the status listing.
type statusEntry struct {
	Session     int               `json:"session"`
	CommitID    string            `json:"commit_id"`
	StartUTC    ledger.Timestamp  `json:"start_utc"`
	EndUTC      *ledger.Timestamp `json:"end_utc"`
	Active      bool              `json:"active"`
	Files       int               `json:"files"`
	FilesDigest string            `json:"files_digest"`
}

func newStatusEntries(entries []ledger.Entry) ([]statusEntry, error) {
	out := make([]statusEntry, 0, len(entries))
	for _, e := range entries {
		digest, err := e.Record.FilesDigest()
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", e.Session, err)
		}
		out = append(out, statusEntry{
			Session:     e.Session,
			CommitID:    e.Record.CommitID,
			StartUTC:    e.Record.StartUTC,
			EndUTC:      e.Record.EndUTC,
			Active:      e.Record.Active(),
			Files:       len(e.Record.Files),
			FilesDigest: digest,
		})
	}
	return out, nil
}

func writeStatusJSON(w io.Writer, entries []ledger.Entry) error {
	out, err := newStatusEntries(entries)
	if err != nil {
		return err
	}
	data, err := jsonutil.MarshalIndentWithNewline(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	return nil
}

// writeStatus renders the ledger, one block per session:
//
//	0001 · a1b2c3d · started 2h ago · ACTIVE
//	2024-01-02T10:00:00.000000Z → …  ·  3 files  ·  sha256 9f86d08
func writeStatus(w io.Writer, p palette, dir string, entries []ledger.Entry, now time.Time) error {
	rows, err := newStatusEntries(entries)
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, p.heading("Ledger "+dir))
	fmt.Fprintln(w)

	if len(rows) == 0 {
		fmt.Fprintln(w, p.paint(p.faint, "○ no sessions yet"))
		fmt.Fprintln(w)
		return nil
	}

	active := 0
	for _, r := range rows {
		state := p.tint(verdictOK, "closed")
		end := "…"
		if r.Active {
			active++
			state = p.tint(verdictWarn, "ACTIVE")
		} else {
			end = r.EndUTC.String()
		}

		fmt.Fprintln(w, p.fields(
			p.paint(p.strong, fmt.Sprintf("%04d", r.Session)),
			p.paint(p.accent, abbrev(r.CommitID)),
			"started "+age(r.StartUTC.Time, now),
			state,
		))
		fmt.Fprintln(w, p.paint(p.faint, strings.Join([]string{
			r.StartUTC.String() + " → " + end,
			fmt.Sprintf("%d files", r.Files),
			"sha256 " + abbrev(r.FilesDigest),
		}, " · ")))
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, p.rule())
	fmt.Fprintln(w, p.paint(p.faint, fmt.Sprintf("%d sessions · %d active", len(rows), active)))
	fmt.Fprintln(w)
	return nil
}

// abbrev shortens a commit id or digest for display.
func abbrev(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/upgrader/pkg/config"
	"github.com/openfroyo/upgrader/pkg/stores"
)

func newJournalCommand() *cobra.Command {
	var (
		path      string
		sessionID string
		sessions  bool
		limit     int
		remote    remoteFlags
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show past upgrade sessions",
		Long: `Show the broker's session journal.

By default the most recent package changes are listed. With --session
only the changes committed in that session are shown, and --sessions
lists the sessions themselves. With --ssh the journal of a remote host is
fetched over SFTP first.`,
		Example: `  # List recent package changes
  upgrader journal

  # List recent sessions
  upgrader journal --sessions

  # Show the changes of one session on a remote host
  upgrader journal --ssh admin@10.0.0.42 --session 3f2c...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			local := path
			if remote.target != "" {
				dir, err := os.MkdirTemp("", "upgrader-journal-")
				if err != nil {
					return fmt.Errorf("failed to create temp dir: %w", err)
				}
				defer os.RemoveAll(dir)

				local = filepath.Join(dir, filepath.Base(path))
				if err := fetchJournal(ctx, &remote, path, local); err != nil {
					return err
				}
			}

			j, err := openLocalJournal(ctx, local)
			if err != nil {
				return err
			}
			defer j.Close()

			out := cmd.OutOrStdout()
			if sessions {
				return listSessions(ctx, out, j, limit)
			}
			return listChanges(ctx, out, j, sessionID, limit)
		},
	}

	cmd.Flags().StringVar(&path, "path", config.DefaultJournalPath, "journal database path")
	cmd.Flags().StringVar(&sessionID, "session", "", "only show the package changes of a session")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "list sessions instead of package changes")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries to list")
	remote.register(cmd)

	return cmd
}

func fetchJournal(ctx context.Context, remote *remoteFlags, remotePath, localPath string) error {
	sc, err := remote.sshClient()
	if err != nil {
		return err
	}
	defer sc.Close()

	if err := sc.Connect(ctx); err != nil {
		return err
	}
	n, err := sc.Download(ctx, remotePath, localPath)
	if err != nil {
		return err
	}
	log.Debug().Str("host", remote.target).Int64("bytes", n).Msg("Fetched journal")
	return nil
}

func openLocalJournal(ctx context.Context, path string) (*stores.SQLiteJournal, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("journal not found: %w", err)
	}
	j, err := stores.NewSQLiteJournal(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := j.Init(ctx); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

func listSessions(ctx context.Context, out io.Writer, j stores.Journal, limit int) error {
	sessions, err := j.ListSessions(ctx, limit, 0)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(out).Encode(sessions)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tUID\tTRANSPORT\tEXIT")
	for _, s := range sessions {
		exit := "running"
		if s.ExitReason != nil {
			exit = *s.ExitReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.StartedAt.Local().Format(time.DateTime), s.UID, s.Transport, exit)
	}
	return tw.Flush()
}

func listChanges(ctx context.Context, out io.Writer, j stores.Journal, sessionID string, limit int) error {
	filter := stores.PackageChangeFilter{Limit: limit}
	if sessionID != "" {
		if _, err := j.GetSession(ctx, sessionID); err != nil {
			return err
		}
		filter.SessionID = &sessionID
	}
	changes, err := j.ListPackageChanges(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(out).Encode(changes)
	}

	if len(changes) == 0 {
		fmt.Fprintln(out, "No package changes recorded")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tACTION\tPACKAGE\tOLD\tNEW")
	for _, c := range changes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Timestamp.Local().Format(time.DateTime), shortID(c.SessionID), c.Action, c.Name, c.OldVersion, c.NewVersion)
	}
	return tw.Flush()
}

// shortID abbreviates a session UUID for tables.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

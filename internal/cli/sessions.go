package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/ragent/internal/daemon"
	"github.com/harun/ragent/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and clear stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the history of a session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsClear,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsClearCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withDaemon(nil, func(d *daemon.Daemon) error {
		infos, err := d.GetAgent().Sessions(cmd.Context())
		if err != nil {
			return err
		}
		sort.Slice(infos, func(i, j int) bool {
			return infos[i].LastActiveAt.After(infos[j].LastActiveAt)
		})

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTURNS\tLAST ACTIVE")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%d\t%s\n", info.ID, info.TurnCount, info.LastActiveAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	return withDaemon(nil, func(d *daemon.Daemon) error {
		sess, err := d.GetAgent().Session(cmd.Context(), args[0])
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("session %s not found", args[0])
		}
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	})
}

func runSessionsClear(cmd *cobra.Command, args []string) error {
	return withDaemon(nil, func(d *daemon.Daemon) error {
		if err := d.GetAgent().ClearSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s cleared\n", args[0])
		return nil
	})
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/ragent/internal/daemon"
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Remove expired sessions once",
	Long: `Apply the configured session expiry policy once and exit.
A running gateway does this on session.expiry.schedule.`,
	RunE: runExpire,
}

func init() {
	rootCmd.AddCommand(expireCmd)
}

func runExpire(cmd *cobra.Command, args []string) error {
	return withDaemon(nil, func(d *daemon.Daemon) error {
		removed, err := d.GetJanitor().RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Expired %d session(s)\n", removed)
		return nil
	})
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/ragent/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the ragent gateway in the foreground",
	Long: `Run the ragent gateway in the foreground until SIGINT or SIGTERM.
Serves the HTTP API, the websocket stream and /metrics, syncs the document
corpus and runs scheduled session expiry.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ragent listening on %s\n", d.Status().Addr)

	d.Wait()
	return nil
}

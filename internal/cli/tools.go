package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/ragent/internal/daemon"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the agent may call",
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().BoolVar(&toolsJSON, "json", false, "print descriptors with their schemas as JSON")
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	return withDaemon(nil, func(d *daemon.Daemon) error {
		descriptors := d.GetAgent().Tools()
		out := cmd.OutOrStdout()

		if toolsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(descriptors)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, desc := range descriptors {
			fmt.Fprintf(w, "%s\t%s\n", desc.Name, desc.Description)
		}
		return w.Flush()
	})
}

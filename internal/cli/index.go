package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harun/ragent/internal/config"
	"github.com/harun/ragent/internal/daemon"
)

var indexJSON bool

var indexCmd = &cobra.Command{
	Use:   "index [dir]",
	Short: "Index a document directory",
	Long: `Synchronize the document index with a directory of .md and .txt files.
Uses retrieval.corpus_dir from the config when no directory is given.
Changed files are re-chunked and removed files are dropped from the index.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexJSON, "json", false, "print index statistics as JSON")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	mutate := func(cfg *config.Config) {
		cfg.Retrieval.Watch = false
		if cfg.Retrieval.Policy == "never" {
			cfg.Retrieval.Policy = "always"
		}
		if len(args) == 1 {
			if abs, err := filepath.Abs(args[0]); err == nil {
				cfg.Retrieval.CorpusDir = abs
			} else {
				cfg.Retrieval.CorpusDir = args[0]
			}
		}
	}

	return withDaemon(mutate, func(d *daemon.Daemon) error {
		index := d.GetIndex()
		if index == nil {
			return fmt.Errorf("retrieval is disabled")
		}
		if d.GetConfig().Retrieval.CorpusDir == "" {
			return fmt.Errorf("no document directory given and retrieval.corpus_dir is not set")
		}

		if err := index.SyncDir(cmd.Context()); err != nil {
			return fmt.Errorf("index sync failed: %w", err)
		}

		stats := index.Stats()
		out := cmd.OutOrStdout()
		if indexJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
		fmt.Fprintf(out, "Indexed %s\n", d.GetConfig().Retrieval.CorpusDir)
		fmt.Fprintf(out, "Documents: %d\n", stats.Documents)
		fmt.Fprintf(out, "Chunks: %d\n", stats.Chunks)
		fmt.Fprintf(out, "Vector search: %t\n", stats.VectorSearch)
		return nil
	})
}

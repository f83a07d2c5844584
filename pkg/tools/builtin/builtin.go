// Package builtin provides the tools registered by default: a calculator, a
// workspace file search, text statistics and, optionally, document search.
package builtin

import (
	"fmt"

	"github.com/harun/ragent/pkg/tools"
)

// Options selects the optional inputs of the default tool set.
type Options struct {
	// Workspace roots file_search. The tool is skipped when empty.
	Workspace string
}

// Register adds the default tools to reg.
func Register(reg *tools.Registry, opts Options) error {
	defs := []tools.Definition{Calculator(), TextAnalysis()}
	if opts.Workspace != "" {
		defs = append(defs, FileSearch(opts.Workspace))
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}

package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/harun/ragent/pkg/tools"
)

const (
	// FileSearchName is the registered name of the file search tool.
	FileSearchName = "file_search"

	maxFileMatches = 10
)

var errStopWalk = errors.New("stop walk")

// FileSearch finds files under root whose base name matches a glob pattern.
// The optional directory argument is resolved inside root and cannot escape it.
func FileSearch(root string) tools.Definition {
	return tools.Definition{
		Name:        FileSearchName,
		Description: "Find files in the workspace whose name matches a glob pattern",
		Params: []tools.Param{
			{Name: "pattern", Type: "string", Description: "Glob pattern matched against file names, e.g. *.md", Required: true},
			{Name: "directory", Type: "string", Description: "Sub-directory of the workspace to search"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"matches":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"count":     map[string]any{"type": "integer"},
				"truncated": map[string]any{"type": "boolean"},
			},
			"required": []string{"matches", "count"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			pattern, _ := args["pattern"].(string)
			dir, _ := args["directory"].(string)
			return searchFiles(ctx, root, dir, pattern)
		},
	}
}

func searchFiles(ctx context.Context, root, dir, pattern string) (map[string]any, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	base := filepath.Join(root, filepath.Clean(string(filepath.Separator)+dir))

	matches := []string{}
	truncated := false

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		ok, _ := filepath.Match(pattern, d.Name())
		if !ok {
			return nil
		}
		if len(matches) == maxFileMatches {
			truncated = true
			return errStopWalk
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		matches = append(matches, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, fmt.Errorf("failed to search %s: %w", dir, err)
	}

	sort.Strings(matches)
	return map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil
}

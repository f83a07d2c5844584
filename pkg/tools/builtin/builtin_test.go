package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/tools"
)

func newRegistry(t *testing.T, defs ...tools.Definition) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(tools.Config{Logger: zerolog.Nop()})
	for _, d := range defs {
		require.NoError(t, reg.Register(d))
	}
	return reg
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"15 * 8 + 32", 152},
		{"1 + 2 * 3", 7},
		{"(1 + 2) * 3", 9},
		{"10 / 4", 2.5},
		{"-3 + 5", 2},
		{"2 * -(3 + 1)", -8},
		{"  42  ", 42},
		{"0.1 + 0.2 * 10", 2.1},
		{"8 - 3 - 2", 3},
		{"64 / 4 / 2", 8},
		{"1 / (2 - 1.5)", 2},
		{"0 / 5", 0},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", "   "},
		{"letters", "2 + x"},
		{"code injection", "__import__('os')"},
		{"division by zero", "1 / (2 - 2)"},
		{"unbalanced", "(1 + 2"},
		{"dangling operator", "1 +"},
		{"double dot", "1..2"},
		{"trailing paren", "1 + 2)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.expr)
			assert.Error(t, err)
		})
	}

	for _, in := range []string{"1 / 0", "3 / (1 - 1)", "2 / 0.0", "4 / (2 / 0)"} {
		_, err := Evaluate(in)
		assert.True(t, errors.Is(err, errDivisionByZero), in)
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "152", FormatNumber(152))
	assert.Equal(t, "2.5", FormatNumber(2.5))
	assert.Equal(t, "-8", FormatNumber(-8))
}

func TestCalculator_ThroughRegistry(t *testing.T) {
	reg := newRegistry(t, Calculator())

	res := reg.Invoke(context.Background(), CalculatorName, map[string]any{"expression": "15 * 8 + 32"}, time.Second)
	require.Nil(t, res.Err)
	out := res.Output.(map[string]any)
	assert.Equal(t, 152.0, out["result"])
	assert.Equal(t, "15 * 8 + 32", out["expression"])
	assert.NoError(t, reg.ValidateOutput(CalculatorName, res.Output))

	res = reg.Invoke(context.Background(), CalculatorName, map[string]any{"expression": "rm -rf /"}, time.Second)
	require.NotNil(t, res.Err)
	assert.Equal(t, tools.KindExecutionFailed, res.Err.Kind)

	res = reg.Invoke(context.Background(), CalculatorName, map[string]any{"expr": "1"}, time.Second)
	require.NotNil(t, res.Err)
	assert.Equal(t, tools.KindInvalidArgs, res.Err.Kind)
}

func TestFileSearch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs", "deep"), 0o755))
	for _, name := range []string{"a.md", "docs/b.md", "docs/deep/c.md", "docs/notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("x"), 0o644))
	}

	reg := newRegistry(t, FileSearch(root))

	res := reg.Invoke(context.Background(), FileSearchName, map[string]any{"pattern": "*.md"}, time.Second)
	require.Nil(t, res.Err)
	out := res.Output.(map[string]any)
	assert.Equal(t, []string{"a.md", "docs/b.md", "docs/deep/c.md"}, out["matches"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, false, out["truncated"])
	assert.NoError(t, reg.ValidateOutput(FileSearchName, res.Output))

	res = reg.Invoke(context.Background(), FileSearchName, map[string]any{"pattern": "*.md", "directory": "docs/deep"}, time.Second)
	require.Nil(t, res.Err)
	assert.Equal(t, []string{"docs/deep/c.md"}, res.Output.(map[string]any)["matches"])
}

func TestFileSearch_StaysInsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "workspace")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "outside.md"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "inside.md"), []byte("x"), 0o644))

	out, err := searchFiles(context.Background(), root, "../", "*.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"inside.md"}, out["matches"])
}

func TestFileSearch_CapsMatches(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < maxFileMatches+5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, fmt.Sprintf("f%02d.txt", i)), []byte("x"), 0o644))
	}

	out, err := searchFiles(context.Background(), root, "", "*.txt")
	require.NoError(t, err)
	assert.Len(t, out["matches"], maxFileMatches)
	assert.Equal(t, true, out["truncated"])
}

func TestFileSearch_BadPattern(t *testing.T) {
	_, err := searchFiles(context.Background(), t.TempDir(), "", "[")
	assert.Error(t, err)
}

func TestTextAnalysis(t *testing.T) {
	reg := newRegistry(t, TextAnalysis())

	res := reg.Invoke(context.Background(), TextAnalysisName, map[string]any{
		"text": "The cat sat. The cat ran! Did the dog?",
	}, time.Second)
	require.Nil(t, res.Err)
	out := res.Output.(map[string]any)

	assert.Equal(t, 9, out["words"])
	assert.Equal(t, 3, out["sentences"])
	assert.Equal(t, 38, out["characters"])

	top := out["top_words"].([]map[string]any)
	require.NotEmpty(t, top)
	assert.Equal(t, "the", top[0]["word"])
	assert.Equal(t, 3, top[0]["count"])
	assert.Equal(t, "cat", top[1]["word"])
	assert.NoError(t, reg.ValidateOutput(TextAnalysisName, res.Output))
}

type stubRetriever struct {
	passages []retrieval.Passage
	err      error
}

func (s stubRetriever) Search(ctx context.Context, query string, k int, minScore float64) ([]retrieval.Passage, error) {
	return retrieval.Rank(s.passages, k, minScore), s.err
}

func TestSearchDocuments(t *testing.T) {
	r := stubRetriever{passages: []retrieval.Passage{
		{ID: "p1", SourceID: "a.md", Text: "alpha", Score: 0.9},
		{ID: "p2", SourceID: "b.md", Text: "beta", Score: 0.2},
	}}
	reg := newRegistry(t, SearchDocuments(r, 5, 0.5))

	res := reg.Invoke(context.Background(), SearchDocumentsName, map[string]any{"query": "alpha"}, time.Second)
	require.Nil(t, res.Err)
	passages := res.Output.(map[string]any)["passages"].([]map[string]any)
	require.Len(t, passages, 1)
	assert.Equal(t, "p1", passages[0]["id"])
	assert.NoError(t, reg.ValidateOutput(SearchDocumentsName, res.Output))

	failing := newRegistry(t, SearchDocuments(stubRetriever{err: errors.New("index offline")}, 5, 0))
	res = failing.Invoke(context.Background(), SearchDocumentsName, map[string]any{"query": "x"}, time.Second)
	require.NotNil(t, res.Err)
	assert.Equal(t, tools.KindExecutionFailed, res.Err.Kind)
}

func TestRegister(t *testing.T) {
	reg := tools.NewRegistry(tools.Config{Logger: zerolog.Nop()})
	require.NoError(t, Register(reg, Options{}))
	assert.Equal(t, 2, reg.Len())

	reg = tools.NewRegistry(tools.Config{Logger: zerolog.Nop()})
	require.NoError(t, Register(reg, Options{Workspace: t.TempDir()}))

	names := []string{}
	for _, d := range reg.List() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{CalculatorName, FileSearchName, TextAnalysisName}, names)
}

package builtin

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/harun/ragent/pkg/tools"
)

const (
	// TextAnalysisName is the registered name of the text analysis tool.
	TextAnalysisName = "text_analysis"

	topWordCount = 5
)

// TextAnalysis reports simple statistics about a piece of text.
func TextAnalysis() tools.Definition {
	return tools.Definition{
		Name:        TextAnalysisName,
		Description: "Count words, sentences and characters in text and list the most frequent words",
		Params: []tools.Param{
			{Name: "text", Type: "string", Description: "Text to analyze", Required: true},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"words":      map[string]any{"type": "integer"},
				"sentences":  map[string]any{"type": "integer"},
				"characters": map[string]any{"type": "integer"},
				"top_words": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"word":  map[string]any{"type": "string"},
							"count": map[string]any{"type": "integer"},
						},
					},
				},
			},
			"required": []string{"words", "sentences", "characters", "top_words"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return analyze(text), nil
		},
	}
}

type wordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

func analyze(text string) map[string]any {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	counts := make(map[string]int)
	for _, w := range words {
		counts[w]++
	}
	top := make([]wordCount, 0, len(counts))
	for w, c := range counts {
		top = append(top, wordCount{Word: w, Count: c})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Word < top[j].Word
	})
	if len(top) > topWordCount {
		top = top[:topWordCount]
	}

	sentences := 0
	for _, s := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		if strings.TrimSpace(s) != "" {
			sentences++
		}
	}

	topOut := make([]map[string]any, 0, len(top))
	for _, wc := range top {
		topOut = append(topOut, map[string]any{"word": wc.Word, "count": wc.Count})
	}

	return map[string]any{
		"words":      len(words),
		"sentences":  sentences,
		"characters": utf8.RuneCountInString(text),
		"top_words":  topOut,
	}
}

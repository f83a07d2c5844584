package builtin

import (
	"context"

	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/tools"
)

// SearchDocumentsName is the registered name of the retrieval tool used when
// the model decides whether to retrieve.
const SearchDocumentsName = "search_documents"

// SearchDocuments exposes r as a tool returning up to k passages scoring at least minScore.
func SearchDocuments(r retrieval.Retriever, k int, minScore float64) tools.Definition {
	return tools.Definition{
		Name:        SearchDocumentsName,
		Description: "Search the document corpus for passages relevant to a query",
		Params: []tools.Param{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"passages": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"id":     map[string]any{"type": "string"},
							"source": map[string]any{"type": "string"},
							"text":   map[string]any{"type": "string"},
							"score":  map[string]any{"type": "number"},
						},
						"required": []string{"id", "text"},
					},
				},
			},
			"required": []string{"passages"},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, _ := args["query"].(string)
			passages, err := r.Search(ctx, query, k, minScore)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(passages))
			for _, p := range passages {
				out = append(out, map[string]any{
					"id":     p.ID,
					"source": p.SourceID,
					"text":   p.Text,
					"score":  p.Score,
				})
			}
			return map[string]any{"passages": out}, nil
		},
	}
}

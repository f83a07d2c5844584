// Package retrieval finds passages relevant to a query.
//
// Invariants:
//   - Search results are ordered by descending score; equal scores are ordered by passage id.
//   - Results are truncated to k and never include scores below minScore.
//   - An empty result is not an error.
//   - For an unchanged index, repeated searches return identical results.
//
// Usage:
//
//	idx, _ := retrieval.NewIndex(retrieval.Config{DBPath: "/tmp/ragent/index.db", CorpusDir: "./docs"})
//	passages, _ := idx.Search(ctx, "how do refunds work", 4, 0.2)
//	_ = passages
package retrieval

// Package agent orchestrates a single conversational turn.
//
// ProcessTurn moves each request through a fixed set of states:
//
//	start -> retrieving -> prompting <-> tool_dispatch -> evaluating -> persisting -> done
//
// Any state may move to failed. The tool loop is bounded by
// Config.MaxToolIterations; once the bound is reached the model is prompted
// without tools and must answer in text.
//
// Retrieval failures degrade to an empty context and are reported in
// Metadata.RetrievalDegraded. Tool failures are fed back to the model as tool
// results. Model failures are retried with backoff; when retries are exhausted
// the session records a synthetic assistant reply and ProcessTurn returns
// ErrModelUnavailable.
//
// Requests for the same session are serialized in FIFO order. The user turn,
// any tool turns and the assistant turn of one request are appended in one
// store call, so a session never holds a partial turn sequence.
package agent

// Package model adapts language-model providers to a single Client contract.
//
// Invariants:
//   - Clients never retry; retry policy belongs to the caller.
//   - Prompt assembly evicts history oldest-first to fit a character budget and
//     never drops the most recent user turn.
//   - A Completion is either text or a single tool request.
package model

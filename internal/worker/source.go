// ============================================================================
// Bookextract Extractor Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the contract the scheduler uses to run one extraction.
//
// Motivation:
//   The extraction engine (an LLM call, a local parser, a test double) is
//   opaque to the queue. The scheduler only hands it the input handle and
//   two callbacks, and expects exactly one result or one error back.
//
// Contract:
//   - onLog / onProgress may be called any number of times, in any order
//   - neither callback may be called after Extract returns
//   - Extract returns a result or an error, never both
//   - progress reported within one call should be non-decreasing
//
// ============================================================================

package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/bookextract/pkg/types"
)

// ErrEmptyResult is returned when an extractor reports success without data.
var ErrEmptyResult = errors.New("extractor returned no result")

// Extractor runs one document extraction.
type Extractor interface {
	// Extract reads the input and produces structured book data.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout.
	//   - in: The raw document handle.
	//   - onLog: Appends a line to the job's log.
	//   - onProgress: Reports a completion percentage.
	//
	// Returns:
	//   - *types.BookData: The extraction result.
	//   - error: Human-readable failure.
	Extract(ctx context.Context, in types.InputHandle, onLog LogFunc, onProgress ProgressFunc) (*types.BookData, error)
}

// ExtractorFunc adapts a plain function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, in types.InputHandle, onLog LogFunc, onProgress ProgressFunc) (*types.BookData, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, in types.InputHandle, onLog LogFunc, onProgress ProgressFunc) (*types.BookData, error) {
	return f(ctx, in, onLog, onProgress)
}

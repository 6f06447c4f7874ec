package worker

import (
	"time"

	"github.com/ChuLiYu/bookextract/pkg/types"
)

// LogFunc receives one human-readable event line from an extraction.
type LogFunc func(message string)

// ProgressFunc receives a completion percentage in [0,100].
type ProgressFunc func(percent int)

// Result captures the outcome of one extraction call
type Result struct {
	JobID    types.JobID     // job the extraction ran for
	Book     *types.BookData // set on success
	Err      error           // set on failure
	Duration time.Duration   // wall time of the collaborator call
}

// Success reports whether the extraction produced a result
func (r Result) Success() bool {
	return r.Err == nil && r.Book != nil
}

// Package util holds small helpers shared across decoders and the
// runtime: sampled error aggregation for batch operations like
// finalizing every registered plugin, adapted from the teacher's use of
// sampled_err.Errors in tcp_conn_tracker.go.
package util

import "fmt"

// ErrorSet accumulates errors from a batch operation without printing an
// unbounded number of lines: only the first SampleCount are retained
// verbatim, the rest are just counted.
type ErrorSet struct {
	SampleCount int
	TotalCount  int
	samples     []error
}

// Add records err, keeping it among the retained samples if there is
// room.
func (e *ErrorSet) Add(err error) {
	if err == nil {
		return
	}
	e.TotalCount++
	if len(e.samples) < e.SampleCount {
		e.samples = append(e.samples, err)
	}
}

// Samples returns the retained errors, in the order they were added.
func (e *ErrorSet) Samples() []error {
	return e.samples
}

func (e *ErrorSet) Error() string {
	if e.TotalCount == 0 {
		return "no errors"
	}
	s := fmt.Sprintf("%d error(s)", e.TotalCount)
	for _, err := range e.samples {
		s += fmt.Sprintf("\n  - %v", err)
	}
	if omitted := e.TotalCount - len(e.samples); omitted > 0 {
		s += fmt.Sprintf("\n  ... and %d more", omitted)
	}
	return s
}

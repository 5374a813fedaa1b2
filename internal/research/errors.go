package research

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCancelled ends a run abandoned by its caller. No report is
// produced and collected evidence is discarded.
var ErrCancelled = errors.New("run cancelled")

// ScopingError means the question or mode/preset combination cannot be
// turned into a brief. The run fails before any task is created.
type ScopingError struct {
	Reason string
}

func (e *ScopingError) Error() string {
	return fmt.Sprintf("scoping: %s", e.Reason)
}

// PlanningError means a brief could not be decomposed into tasks.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning: %s", e.Reason)
}

// RetrievalError is a per-task failure. The supervisor retries these up
// to the attempt limit; they never abort sibling tasks.
type RetrievalError struct {
	TaskID string
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed for %s: %v", e.TaskID, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// RunFailedError aggregates the root cause of every failed task when a
// run has no viable output at all.
type RunFailedError struct {
	Stage  Stage
	Causes map[string]string
}

func (e *RunFailedError) Error() string {
	if len(e.Causes) == 0 {
		return fmt.Sprintf("run failed during %s", e.Stage)
	}
	ids := make([]string, 0, len(e.Causes))
	for id := range e.Causes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %s", id, e.Causes[id]))
	}
	return fmt.Sprintf("run failed during %s: %s", e.Stage, strings.Join(parts, "; "))
}

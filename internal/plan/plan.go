// Package plan maps a brief onto concrete research tasks. Planning is a
// pure function of the brief and the mode: no clock, no I/O, no
// randomness, so the same brief always yields the same task list.
package plan

import (
	"fmt"
	"strings"

	"github.com/meridianlabs-ai/atlas/internal/research"
)

// Plan derives the task list for a brief. Deep mode creates one task per
// sub-question in brief order; quick mode creates a single task covering
// the whole goal. Task IDs are sequential and stable for the run.
func Plan(brief research.Brief, mode research.Mode) ([]research.Task, error) {
	if !mode.Valid() {
		return nil, &research.PlanningError{Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
	if len(brief.SubQuestions) == 0 {
		return nil, &research.PlanningError{Reason: "brief has no sub-questions"}
	}

	if mode == research.ModeQuick {
		return []research.Task{newTask(1, brief.Goal)}, nil
	}

	tasks := make([]research.Task, 0, len(brief.SubQuestions))
	for i, sub := range brief.SubQuestions {
		if strings.TrimSpace(sub) == "" {
			return nil, &research.PlanningError{Reason: fmt.Sprintf("sub-question %d is blank", i+1)}
		}
		tasks = append(tasks, newTask(i+1, sub))
	}
	return tasks, nil
}

func newTask(n int, subQuestion string) research.Task {
	return research.Task{
		ID:          fmt.Sprintf("task-%d", n),
		SubQuestion: subQuestion,
		Status:      research.TaskPending,
	}
}

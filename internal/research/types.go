// Package research defines the domain types shared by every stage of the
// orchestration pipeline: requests, briefs, tasks, evidence, and reports.
// Stages communicate exclusively through these values; none of them hold
// references into another stage's state.
package research

import "time"

// Mode selects how aggressively a question is decomposed.
type Mode string

const (
	// ModeQuick produces at most one research task covering the whole goal.
	ModeQuick Mode = "quick"
	// ModeDeep produces one research task per scoped sub-question.
	ModeDeep Mode = "deep"
)

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	return m == ModeQuick || m == ModeDeep
}

// Request is the immutable input of a run.
type Request struct {
	Question       string `json:"question"`
	Mode           Mode   `json:"mode"`
	Preset         string `json:"preset,omitempty"`
	DocumentSetRef string `json:"document_set,omitempty"`
}

// Brief is the scoped form of a request: a goal, the ordered sub-questions
// that decompose it, and any constraints the preset or the user imposed.
// Produced once per run and never mutated afterwards.
type Brief struct {
	Goal         string   `json:"goal"`
	SubQuestions []string `json:"sub_questions"`
	Constraints  []string `json:"constraints,omitempty"`
}

// TaskStatus tracks a research task through the supervisor.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimedOut  TaskStatus = "timed_out"
)

// Terminal reports whether the status is final for a task.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Task is one unit of delegated retrieval work, mapped to a single
// sub-question. IDs are assigned sequentially by the planner and stay
// stable for the lifetime of the run, including across retries.
type Task struct {
	ID          string     `json:"id"`
	SubQuestion string     `json:"sub_question"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
}

// EvidenceNote is a single piece of retrieved, source-attributed
// information. Immutable once emitted by a worker. Notes without a
// source URL are rejected at construction.
type EvidenceNote struct {
	TaskID      string    `json:"task_id"`
	SourceURL   string    `json:"source_url"`
	Title       string    `json:"title,omitempty"`
	Snippet     string    `json:"snippet"`
	ContentHash string    `json:"content_hash"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Relevance   float64   `json:"relevance,omitempty"`

	// MergedFrom lists source URLs folded into this note by near-duplicate
	// merging, so their citations survive deduplication.
	MergedFrom []string `json:"merged_from,omitempty"`
}

// Sources returns the primary source URL plus any merged-in citations.
func (n EvidenceNote) Sources() []string {
	out := make([]string, 0, 1+len(n.MergedFrom))
	out = append(out, n.SourceURL)
	out = append(out, n.MergedFrom...)
	return out
}

// EvidenceGroup holds the retained notes for one sub-question, in worker
// emission order. An empty Notes slice is an explicit gap, not an
// omission.
type EvidenceGroup struct {
	SubQuestion string         `json:"sub_question"`
	Notes       []EvidenceNote `json:"notes"`
}

// Conflict records two or more retained notes asserting different values
// for the same named quantity under one sub-question. Both operands are
// kept; presentation is the synthesizer's decision.
type Conflict struct {
	SubQuestion string         `json:"sub_question"`
	Quantity    string         `json:"quantity"`
	Notes       []EvidenceNote `json:"notes"`
}

// AggregatedEvidence is the deduplicated, conflict-annotated evidence for
// a run, grouped in brief order. Rebuilding it from the same note set is
// idempotent.
type AggregatedEvidence struct {
	Groups    []EvidenceGroup `json:"groups"`
	Conflicts []Conflict      `json:"conflicts,omitempty"`
}

// Group returns the evidence group for a sub-question, if present.
func (a AggregatedEvidence) Group(subQuestion string) (EvidenceGroup, bool) {
	for _, g := range a.Groups {
		if g.SubQuestion == subQuestion {
			return g, true
		}
	}
	return EvidenceGroup{}, false
}

// ReportStatus marks whether a report covers every sub-question cleanly.
type ReportStatus string

const (
	ReportComplete ReportStatus = "complete"
	ReportPartial  ReportStatus = "partial"
)

// Section is one rendered report section. CitedSources holds only the
// sources actually referenced in Body.
type Section struct {
	Heading      string   `json:"heading"`
	Body         string   `json:"body"`
	CitedSources []string `json:"cited_sources,omitempty"`
	Gap          bool     `json:"gap,omitempty"`
}

// ReportMetadata carries run-level accounting surfaced with the report.
type ReportMetadata struct {
	WordCount   int   `json:"word_count"`
	SourceCount int   `json:"source_count"`
	DurationMs  int64 `json:"duration_ms"`
}

// Report is the final synthesized output of a run.
type Report struct {
	Title    string         `json:"title"`
	Sections []Section      `json:"sections"`
	Metadata ReportMetadata `json:"metadata"`
	Status   ReportStatus   `json:"status"`
}

// Stage is a run controller state.
type Stage string

const (
	StageScoping      Stage = "scoping"
	StagePlanning     Stage = "planning"
	StageResearching  Stage = "researching"
	StageAggregating  Stage = "aggregating"
	StageSynthesizing Stage = "synthesizing"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

// RunState is the controller-owned view of a run. The run controller is
// its sole writer; other components report outcomes upward instead of
// mutating it.
type RunState struct {
	RunID        string                `json:"run_id"`
	Stage        Stage                 `json:"stage"`
	TaskStatuses map[string]TaskStatus `json:"task_statuses,omitempty"`
}

// Task failure reasons recorded by the supervisor.
const (
	ReasonAttemptsExhausted = "attempts_exhausted"
	ReasonDeadlineExceeded  = "deadline_exceeded"
	ReasonCancelled         = "cancelled"
)

// TaskResult is the supervisor's terminal record for one task.
type TaskResult struct {
	TaskID   string         `json:"task_id"`
	Status   TaskStatus     `json:"status"`
	Attempts int            `json:"attempts"`
	Notes    []EvidenceNote `json:"notes,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Err      error          `json:"-"`
}

// ProgressEvent is one entry in a run's live progress stream. The
// sequence for a run is finite and ends with exactly one terminal event.
type ProgressEvent struct {
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	Stage     Stage     `json:"stage"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event closes the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Stage.Terminal()
}

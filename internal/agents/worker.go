// Package agents executes research tasks: a stateless Worker retrieves
// and condenses evidence for one sub-question, and a Supervisor fans
// tasks out over a bounded worker pool with per-task timeouts, retries,
// and a run-level deadline.
package agents

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/circuitbreaker"
	"github.com/meridianlabs-ai/atlas/internal/evidence"
	"github.com/meridianlabs-ai/atlas/internal/policy"
	"github.com/meridianlabs-ai/atlas/internal/providers"
	"github.com/meridianlabs-ai/atlas/internal/research"
	"github.com/meridianlabs-ai/atlas/internal/throttle"
)

// DefaultMaxNotesPerTask caps how many evidence notes one task emits.
const DefaultMaxNotesPerTask = 5

// SourceAdmitter decides whether a retrieved source may become
// evidence. Implemented by the policy engine.
type SourceAdmitter interface {
	AdmitSource(ctx context.Context, in policy.SourceInput) policy.Decision
}

// Worker turns one task into evidence notes. It holds only
// configuration and capabilities; all per-task state lives on the
// stack, so a single Worker safely serves every concurrent task.
type Worker struct {
	search   providers.SearchProvider
	docs     providers.DocumentSearcher
	throttle *throttle.Throttle
	breaker  *circuitbreaker.CircuitBreaker
	admitter SourceAdmitter
	maxNotes int
	logger   *zap.Logger
}

// WorkerOption customizes a Worker beyond its required search provider.
type WorkerOption func(*Worker)

// WithDocumentSearcher adds a local document capability consulted when
// a request carries a document set reference.
func WithDocumentSearcher(docs providers.DocumentSearcher) WorkerOption {
	return func(w *Worker) { w.docs = docs }
}

// WithThrottle rate-limits outbound search calls.
func WithThrottle(t *throttle.Throttle) WorkerOption {
	return func(w *Worker) { w.throttle = t }
}

// WithBreaker sheds search calls while the provider is unhealthy.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) WorkerOption {
	return func(w *Worker) { w.breaker = cb }
}

// WithSourceAdmitter filters retrieved sources through policy.
func WithSourceAdmitter(a SourceAdmitter) WorkerOption {
	return func(w *Worker) { w.admitter = a }
}

// WithMaxNotes overrides the per-task evidence cap.
func WithMaxNotes(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxNotes = n
		}
	}
}

// NewWorker builds a worker around a search provider.
func NewWorker(search providers.SearchProvider, logger *zap.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		search:   search,
		maxNotes: DefaultMaxNotesPerTask,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Execute retrieves evidence for a task. It returns up to the
// configured number of notes; zero notes with a nil error is a
// legitimate outcome (the sub-question simply found nothing). An error
// is returned only when every retrieval attempt failed. The context is
// checked between retrieval units so cancellation lands promptly.
func (w *Worker) Execute(ctx context.Context, task research.Task, docSetRef string) ([]research.EvidenceNote, error) {
	queries := buildQueries(task.SubQuestion)

	var results []providers.SearchResult
	var lastErr error

	for _, query := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		found, err := w.runSearch(ctx, query)
		if err != nil {
			lastErr = err
			w.logger.Warn("Search query failed",
				zap.String("task_id", task.ID),
				zap.String("provider", w.search.Name()),
				zap.Error(err),
			)
		} else {
			results = append(results, found...)
		}

		if docSetRef != "" && w.docs != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			local, err := w.docs.SearchSet(ctx, docSetRef, query)
			if err != nil {
				lastErr = err
				w.logger.Warn("Document set query failed",
					zap.String("task_id", task.ID),
					zap.String("set", docSetRef),
					zap.Error(err),
				)
			} else {
				results = append(results, local...)
			}
		}
	}

	if len(results) == 0 {
		if lastErr != nil {
			return nil, &research.RetrievalError{TaskID: task.ID, Err: lastErr}
		}
		return nil, nil
	}

	return w.condense(ctx, task, results), nil
}

func (w *Worker) runSearch(ctx context.Context, query string) ([]providers.SearchResult, error) {
	if w.throttle != nil {
		if err := w.throttle.Wait(ctx, w.search.Name()); err != nil {
			return nil, err
		}
	}

	var results []providers.SearchResult
	call := func() error {
		var err error
		results, err = w.search.Search(ctx, query)
		return err
	}

	if w.breaker != nil {
		if err := w.breaker.Execute(ctx, call); err != nil {
			return nil, err
		}
		return results, nil
	}
	if err := call(); err != nil {
		return nil, err
	}
	return results, nil
}

// condense ranks admitted results by score and converts the best into
// notes, deduplicating identical content across queries.
func (w *Worker) condense(ctx context.Context, task research.Task, results []providers.SearchResult) []research.EvidenceNote {
	admitted := results[:0:0]
	for _, r := range results {
		if w.admit(ctx, task, r) {
			admitted = append(admitted, r)
		}
	}

	stableSortByScore(admitted)

	notes := make([]research.EvidenceNote, 0, w.maxNotes)
	seen := make(map[string]struct{}, len(admitted))
	for _, r := range admitted {
		snippet := r.Snippet
		if len(r.RawContent) > len(snippet) {
			snippet = r.RawContent
		}

		note, err := evidence.NewNote(task.ID, r.URL, r.Title, snippet, r.Score, time.Now())
		if err != nil {
			w.logger.Debug("Dropping unusable search result",
				zap.String("task_id", task.ID),
				zap.String("url", r.URL),
				zap.Error(err),
			)
			continue
		}
		if _, dup := seen[note.ContentHash]; dup {
			continue
		}
		seen[note.ContentHash] = struct{}{}

		notes = append(notes, note)
		if len(notes) == w.maxNotes {
			break
		}
	}
	return notes
}

func (w *Worker) admit(ctx context.Context, task research.Task, r providers.SearchResult) bool {
	if w.admitter == nil {
		return true
	}
	decision := w.admitter.AdmitSource(ctx, policy.SourceInput{
		TaskID:   task.ID,
		URL:      r.URL,
		Domain:   domainOf(r.URL),
		Provider: w.search.Name(),
	})
	if !decision.Allow {
		w.logger.Info("Source denied by policy",
			zap.String("task_id", task.ID),
			zap.String("url", r.URL),
			zap.String("reason", decision.Reason),
		)
	}
	return decision.Allow
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// stableSortByScore ranks best-first while keeping equal-score results
// in retrieval order.
func stableSortByScore(results []providers.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

var queryStopwords = map[string]struct{}{
	"how": {}, "what": {}, "why": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"does": {}, "do": {}, "did": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "to": {}, "for": {}, "and": {},
	"or": {}, "about": {}, "between": {}, "can": {}, "could": {}, "should": {}, "would": {},
}

// buildQueries derives search queries from a sub-question: the question
// verbatim, plus a keyword form when stripping scaffolding leaves
// enough substance. Deterministic for a given sub-question.
func buildQueries(subQuestion string) []string {
	q := strings.TrimSpace(subQuestion)
	queries := []string{q}

	fields := strings.Fields(strings.ToLower(strings.TrimRight(q, "?!.")))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ",;:")
		if _, stop := queryStopwords[f]; stop || f == "" {
			continue
		}
		keywords = append(keywords, f)
	}
	if len(keywords) >= 2 {
		kw := strings.Join(keywords, " ")
		if !strings.EqualFold(kw, q) {
			queries = append(queries, kw)
		}
	}
	return queries
}

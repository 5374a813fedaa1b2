// Package scope turns a raw research request into a bounded brief: a
// goal, an ordered list of sub-questions, and the constraints a preset
// imposes. Scoping narrows, it never broadens; the goal is always the
// user's question.
package scope

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/presets"
	"github.com/meridianlabs-ai/atlas/internal/providers"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

const (
	// DefaultMaxSubQuestions bounds decomposition when neither the
	// configuration nor the preset caps it.
	DefaultMaxSubQuestions = 5

	scopeMaxTokens = 1024
)

// wordPattern requires at least one run of two letters for a question
// to count as intelligible.
var wordPattern = regexp.MustCompile(`\p{L}{2,}`)

// Scoper produces research briefs. It is stateless; one instance serves
// all runs.
type Scoper struct {
	completion      providers.CompletionProvider
	registry        *presets.Registry
	maxSubQuestions int
	logger          *zap.Logger
}

// NewScoper builds a scoper. The registry may be nil when no presets are
// configured; requests naming a preset then fail scoping.
func NewScoper(completion providers.CompletionProvider, registry *presets.Registry, maxSubQuestions int, logger *zap.Logger) *Scoper {
	if maxSubQuestions <= 0 {
		maxSubQuestions = DefaultMaxSubQuestions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scoper{
		completion:      completion,
		registry:        registry,
		maxSubQuestions: maxSubQuestions,
		logger:          logger,
	}
}

// ValidateRequest rejects requests that could never scope: blank or
// word-free questions, unsupported modes, unknown presets. A request it
// accepts can still fail later, but only on provider trouble, so
// callers may use it to reject bad input before starting a run.
func (s *Scoper) ValidateRequest(req research.Request) error {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return &research.ScopingError{Reason: "question is empty"}
	}
	if !wordPattern.MatchString(question) {
		return &research.ScopingError{Reason: "question contains no recognizable words"}
	}
	if !req.Mode.Valid() {
		return &research.ScopingError{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	_, err := s.resolvePreset(req.Preset)
	return err
}

// Scope validates the request and produces a brief. Quick mode skips
// decomposition entirely: the single sub-question is the goal itself.
// Deep mode asks the completion provider to decompose and falls back to
// a deterministic decomposition when generation fails or returns
// unusable output.
func (s *Scoper) Scope(ctx context.Context, req research.Request) (research.Brief, error) {
	if err := s.ValidateRequest(req); err != nil {
		return research.Brief{}, err
	}
	question := strings.TrimSpace(req.Question)

	// Re-resolved rather than cached across the validate call; the
	// registry can reload in between.
	preset, err := s.resolvePreset(req.Preset)
	if err != nil {
		return research.Brief{}, err
	}

	var constraints, hints []string
	limit := s.maxSubQuestions
	if preset != nil {
		constraints = append(constraints, preset.Constraints...)
		hints = append(hints, preset.SubQuestionHints...)
		if preset.MaxSubQuestions > 0 && preset.MaxSubQuestions < limit {
			limit = preset.MaxSubQuestions
		}
	}

	brief := research.Brief{
		Goal:        question,
		Constraints: constraints,
	}

	if req.Mode == research.ModeQuick {
		brief.SubQuestions = []string{question}
		return brief, nil
	}

	subs, err := s.decompose(ctx, question, constraints, hints, limit)
	if err != nil {
		return research.Brief{}, err
	}
	brief.SubQuestions = subs
	return brief, nil
}

func (s *Scoper) resolvePreset(ref string) (*presets.Preset, error) {
	if ref == "" {
		return nil, nil
	}
	if s.registry == nil {
		return nil, &research.ScopingError{Reason: fmt.Sprintf("preset %q requested but no presets are configured", ref)}
	}
	name, version, _ := strings.Cut(ref, "@")
	preset, ok := s.registry.Find(name, version)
	if !ok {
		return nil, &research.ScopingError{Reason: fmt.Sprintf("unknown preset %q", ref)}
	}
	return preset, nil
}

func (s *Scoper) decompose(ctx context.Context, question string, constraints, hints []string, limit int) ([]string, error) {
	prompt := buildScopePrompt(question, constraints, hints, limit)

	raw, err := s.completion.Complete(ctx, prompt, providers.Constraints{
		MaxTokens:   scopeMaxTokens,
		Temperature: 0,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Sub-question generation failed, using deterministic decomposition",
			zap.String("provider", s.completion.Name()),
			zap.Error(err),
		)
		return fallbackSubQuestions(question, hints, limit), nil
	}

	subs := parseSubQuestions(raw)
	subs = sanitizeSubQuestions(subs, limit)
	if len(subs) == 0 {
		s.logger.Warn("Sub-question generation returned no usable output, using deterministic decomposition",
			zap.Int("raw_len", len(raw)),
		)
		return fallbackSubQuestions(question, hints, limit), nil
	}
	return subs, nil
}

func buildScopePrompt(question string, constraints, hints []string, limit int) string {
	var b strings.Builder
	b.WriteString("Decompose the research question below into focused, independently researchable sub-questions.\n\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\n")

	if len(constraints) > 0 {
		b.WriteString("Constraints every sub-question must respect:\n")
		for _, c := range constraints {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	if len(hints) > 0 {
		b.WriteString("Angles worth covering if relevant:\n")
		for _, h := range hints {
			b.WriteString("- ")
			b.WriteString(h)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Produce between 2 and %d sub-questions. Stay strictly within the scope of the question; do not broaden it.\n", limit)
	b.WriteString("Respond with JSON only, in this exact shape:\n")
	b.WriteString(`{"sub_questions": ["...", "..."]}`)
	b.WriteString("\n")
	return b.String()
}

// parseSubQuestions extracts the JSON object between the first '{' and
// the last '}' so surrounding prose or code fences do not break parsing.
func parseSubQuestions(raw string) []string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return nil
	}

	var payload struct {
		SubQuestions []string `json:"sub_questions"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return nil
	}
	return payload.SubQuestions
}

func sanitizeSubQuestions(subs []string, limit int) []string {
	seen := make(map[string]struct{}, len(subs))
	out := make([]string, 0, len(subs))
	for _, q := range subs {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

// fallbackSubQuestions decomposes without a model: the question itself,
// then preset hints, then standard facets of the topic. Deterministic
// for a given question and hint list.
func fallbackSubQuestions(question string, hints []string, limit int) []string {
	topic := strings.TrimRight(question, "?!. ")

	candidates := make([]string, 0, len(hints)+4)
	candidates = append(candidates, question)
	candidates = append(candidates, hints...)
	candidates = append(candidates,
		fmt.Sprintf("What background and definitions are needed to understand %s?", topic),
		fmt.Sprintf("What do current authoritative sources report about %s?", topic),
		fmt.Sprintf("What disagreements or open uncertainties remain about %s?", topic),
	)

	return sanitizeSubQuestions(candidates, limit)
}

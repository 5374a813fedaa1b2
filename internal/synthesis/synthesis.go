// Package synthesis renders aggregated evidence into the final cited
// report. Section bodies are drafted by the completion capability; an
// extractive assembly of the strongest snippets stands in whenever
// drafting fails, so a provider outage degrades wording, not coverage.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/providers"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

const (
	sectionMaxTokens   = 2048
	sectionTemperature = 0.3

	// maxPromptNotes bounds the evidence presented per section so merged
	// groups with many retained notes do not blow the prompt budget.
	maxPromptNotes = 10

	// maxFallbackNotes caps how many snippets the extractive fallback
	// stitches together.
	maxFallbackNotes = 3

	gapBody = "Insufficient evidence was collected for this question. No retained sources address it."
)

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// Synthesizer drafts one report section per evidence group.
type Synthesizer struct {
	completion providers.CompletionProvider
	logger     *zap.Logger
}

func NewSynthesizer(completion providers.CompletionProvider, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{completion: completion, logger: logger}
}

// Synthesize builds the report from the brief and the aggregated
// evidence. Every group yields a section: empty groups become explicit
// gap sections rather than disappearing. The report is partial when any
// gap or unresolved conflict remains, and an error is returned only
// when there is nothing to render at all.
func (s *Synthesizer) Synthesize(ctx context.Context, brief research.Brief, agg research.AggregatedEvidence) (*research.Report, error) {
	if len(agg.Groups) == 0 {
		return nil, errors.New("synthesis: no renderable sections")
	}

	sections := make([]research.Section, 0, len(agg.Groups))
	anyGap := false

	for _, group := range agg.Groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(group.Notes) == 0 {
			anyGap = true
			sections = append(sections, research.Section{
				Heading: group.SubQuestion,
				Body:    gapBody,
				Gap:     true,
			})
			continue
		}

		notes := group.Notes
		if len(notes) > maxPromptNotes {
			notes = notes[:maxPromptNotes]
		}
		conflicts := conflictsFor(agg.Conflicts, group.SubQuestion)

		body := s.draftBody(ctx, brief.Goal, group.SubQuestion, notes, conflicts)
		if body == "" {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			body = extractiveBody(notes, conflicts)
		}

		sections = append(sections, research.Section{
			Heading:      group.SubQuestion,
			Body:         body,
			CitedSources: citedSources(body, notes),
		})
	}

	status := research.ReportComplete
	if anyGap || len(agg.Conflicts) > 0 {
		status = research.ReportPartial
	}

	report := &research.Report{
		Title:    reportTitle(brief.Goal),
		Sections: sections,
		Status:   status,
	}
	report.Metadata.WordCount = wordCount(sections)
	report.Metadata.SourceCount = sourceCount(sections)
	return report, nil
}

// draftBody asks the completion capability for a section body. An empty
// return means the caller should fall back to extraction; cancellation
// is left for the caller to observe on ctx.
func (s *Synthesizer) draftBody(ctx context.Context, goal, subQuestion string, notes []research.EvidenceNote, conflicts []research.Conflict) string {
	prompt := buildSectionPrompt(goal, subQuestion, notes, conflicts)

	text, err := s.completion.Complete(ctx, prompt, providers.Constraints{
		MaxTokens:   sectionMaxTokens,
		Temperature: sectionTemperature,
	})
	if err != nil {
		s.logger.Warn("Section drafting failed, using extractive fallback",
			zap.String("sub_question", subQuestion),
			zap.Error(err))
		return ""
	}
	return strings.TrimSpace(text)
}

func buildSectionPrompt(goal, subQuestion string, notes []research.EvidenceNote, conflicts []research.Conflict) string {
	var b strings.Builder
	b.WriteString("You are writing one section of a research report.\n")
	b.WriteString("Report goal: ")
	b.WriteString(goal)
	b.WriteString("\nSection question: ")
	b.WriteString(subQuestion)
	b.WriteString("\n\nEvidence notes:\n")
	for i, note := range notes {
		fmt.Fprintf(&b, "[%d] %s (source: %s)\n", i+1, note.Snippet, note.SourceURL)
	}
	if len(conflicts) > 0 {
		b.WriteString("\nThe notes disagree on the quantities below. Present each reported value with its citation; do not pick a winner:\n")
		for _, c := range conflicts {
			fmt.Fprintf(&b, "- %s\n", c.Quantity)
		}
	}
	b.WriteString("\nWrite flowing prose grounded only in the notes above. ")
	b.WriteString("Cite evidence with bracketed note numbers like [1]. ")
	b.WriteString("Do not invent sources or figures. Return only the section body.")
	return b.String()
}

// extractiveBody stitches the strongest snippets together verbatim with
// citation markers so the section survives a drafting failure.
func extractiveBody(notes []research.EvidenceNote, conflicts []research.Conflict) string {
	var b strings.Builder
	n := min(len(notes), maxFallbackNotes)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(notes[i].Snippet))
		fmt.Fprintf(&b, " [%d]", i+1)
	}
	for _, c := range conflicts {
		fmt.Fprintf(&b, " Retained sources report different values for %s.", c.Quantity)
	}
	return b.String()
}

// citedSources resolves the bracketed markers actually present in the
// body back to source URLs, including citations absorbed from merged
// duplicates. Markers outside the note range are ignored.
func citedSources(body string, notes []research.EvidenceNote) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range citationPattern.FindAllStringSubmatch(body, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > len(notes) {
			continue
		}
		for _, src := range notes[idx-1].Sources() {
			if _, ok := seen[src]; ok {
				continue
			}
			seen[src] = struct{}{}
			out = append(out, src)
		}
	}
	return out
}

func conflictsFor(conflicts []research.Conflict, subQuestion string) []research.Conflict {
	var out []research.Conflict
	for _, c := range conflicts {
		if c.SubQuestion == subQuestion {
			out = append(out, c)
		}
	}
	return out
}

func reportTitle(goal string) string {
	title := strings.TrimSpace(goal)
	title = strings.TrimRight(title, "?!. ")
	if title == "" {
		return "Research Report"
	}
	return title
}

func wordCount(sections []research.Section) int {
	total := 0
	for _, sec := range sections {
		total += len(strings.Fields(sec.Body))
	}
	return total
}

func sourceCount(sections []research.Section) int {
	seen := make(map[string]struct{})
	for _, sec := range sections {
		for _, src := range sec.CitedSources {
			seen[src] = struct{}{}
		}
	}
	return len(seen)
}

package synthesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/providers"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

type stubCompletion struct {
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (s *stubCompletion) Name() string { return "stub" }

func (s *stubCompletion) Complete(ctx context.Context, prompt string, _ providers.Constraints) (string, error) {
	s.prompts = append(s.prompts, prompt)
	i := s.calls
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	return "", nil
}

var noteTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func evidenceNote(url, snippet string, merged ...string) research.EvidenceNote {
	return research.EvidenceNote{
		TaskID:      "task-1",
		SourceURL:   url,
		Snippet:     snippet,
		RetrievedAt: noteTime,
		Relevance:   0.9,
		MergedFrom:  merged,
	}
}

func testBrief() research.Brief {
	return research.Brief{
		Goal:         "How fast is global solar capacity growing?",
		SubQuestions: []string{"What was added in 2024?", "Which regions lead?"},
	}
}

func TestSynthesizeOneSectionPerGroup(t *testing.T) {
	stub := &stubCompletion{responses: []string{
		"Additions hit a record in 2024 [1].",
		"China led all regions [1], with Europe second [2].",
	}}
	s := NewSynthesizer(stub, zap.NewNop())

	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: []research.EvidenceNote{
				evidenceNote("https://iea.example/pv", "Solar additions reached a record 420 GW in 2024."),
			}},
			{SubQuestion: "Which regions lead?", Notes: []research.EvidenceNote{
				evidenceNote("https://irena.example/regions", "China accounted for over half of new capacity."),
				evidenceNote("https://ember.example/eu", "Europe installed 65 GW, its best year yet."),
			}},
		},
	}

	report, err := s.Synthesize(context.Background(), testBrief(), agg)
	require.NoError(t, err)
	require.Len(t, report.Sections, 2)

	assert.Equal(t, "What was added in 2024?", report.Sections[0].Heading)
	assert.Equal(t, []string{"https://iea.example/pv"}, report.Sections[0].CitedSources)
	assert.Equal(t, []string{"https://irena.example/regions", "https://ember.example/eu"}, report.Sections[1].CitedSources)

	assert.Equal(t, research.ReportComplete, report.Status)
	assert.Equal(t, "How fast is global solar capacity growing", report.Title)
	assert.Equal(t, 3, report.Metadata.SourceCount)
	assert.Greater(t, report.Metadata.WordCount, 0)
	assert.Equal(t, 2, stub.calls)
}

func TestSynthesizeGapSection(t *testing.T) {
	stub := &stubCompletion{responses: []string{"Something well cited [1]."}}
	s := NewSynthesizer(stub, zap.NewNop())

	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: []research.EvidenceNote{
				evidenceNote("https://iea.example/pv", "Solar additions reached a record."),
			}},
			{SubQuestion: "Which regions lead?", Notes: nil},
		},
	}

	report, err := s.Synthesize(context.Background(), testBrief(), agg)
	require.NoError(t, err)
	require.Len(t, report.Sections, 2)

	gap := report.Sections[1]
	assert.True(t, gap.Gap)
	assert.Contains(t, gap.Body, "Insufficient evidence")
	assert.Empty(t, gap.CitedSources)
	assert.Equal(t, research.ReportPartial, report.Status)

	// Drafting is only attempted for groups that have evidence.
	assert.Equal(t, 1, stub.calls)
}

func TestSynthesizeFallbackOnProviderError(t *testing.T) {
	stub := &stubCompletion{err: &providers.ProviderError{Provider: "stub", Status: 503, Retryable: true, Err: errors.New("down")}}
	s := NewSynthesizer(stub, zap.NewNop())

	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: []research.EvidenceNote{
				evidenceNote("https://iea.example/pv", "Solar additions reached a record 420 GW in 2024."),
				evidenceNote("https://irena.example/stats", "Cumulative capacity passed 2 TW."),
			}},
		},
	}

	report, err := s.Synthesize(context.Background(), testBrief(), agg)
	require.NoError(t, err)
	require.Len(t, report.Sections, 1)

	sec := report.Sections[0]
	assert.Contains(t, sec.Body, "Solar additions reached a record 420 GW in 2024. [1]")
	assert.Contains(t, sec.Body, "Cumulative capacity passed 2 TW. [2]")
	assert.ElementsMatch(t, []string{"https://iea.example/pv", "https://irena.example/stats"}, sec.CitedSources)
	assert.False(t, sec.Gap)
	assert.Equal(t, research.ReportComplete, report.Status)
}

func TestSynthesizeFallbackOnEmptyDraft(t *testing.T) {
	stub := &stubCompletion{responses: []string{"   \n  "}}
	s := NewSynthesizer(stub, zap.NewNop())

	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: []research.EvidenceNote{
				evidenceNote("https://iea.example/pv", "Solar additions reached a record."),
			}},
		},
	}

	report, err := s.Synthesize(context.Background(), testBrief(), agg)
	require.NoError(t, err)
	assert.Contains(t, report.Sections[0].Body, "Solar additions reached a record. [1]")
}

func TestSynthesizeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &stubCompletion{err: context.Canceled}
	s := NewSynthesizer(stub, zap.NewNop())

	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: []research.EvidenceNote{
				evidenceNote("https://iea.example/pv", "Solar additions reached a record."),
			}},
		},
	}

	_, err := s.Synthesize(ctx, testBrief(), agg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSynthesizeConflictsMarkPartial(t *testing.T) {
	stub := &stubCompletion{responses: []string{
		"One source reports 420 GW [1] while another reports 380 GW [2].",
	}}
	s := NewSynthesizer(stub, zap.NewNop())

	notes := []research.EvidenceNote{
		evidenceNote("https://iea.example/pv", "Installed capacity grew by 420 GW."),
		evidenceNote("https://other.example/estimate", "Installed capacity grew by 380 GW."),
	}
	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: notes},
		},
		Conflicts: []research.Conflict{
			{SubQuestion: "What was added in 2024?", Quantity: "installed capacity gw", Notes: notes},
		},
	}

	report, err := s.Synthesize(context.Background(), testBrief(), agg)
	require.NoError(t, err)
	assert.Equal(t, research.ReportPartial, report.Status)

	require.Len(t, stub.prompts, 1)
	assert.Contains(t, stub.prompts[0], "installed capacity gw")
	assert.Contains(t, stub.prompts[0], "do not pick a winner")
}

func TestSynthesizeZeroSections(t *testing.T) {
	s := NewSynthesizer(&stubCompletion{}, zap.NewNop())

	_, err := s.Synthesize(context.Background(), testBrief(), research.AggregatedEvidence{})
	require.Error(t, err)
}

func TestSynthesizeIgnoresOutOfRangeMarkers(t *testing.T) {
	stub := &stubCompletion{responses: []string{"Cited [1] and hallucinated [7]."}}
	s := NewSynthesizer(stub, zap.NewNop())

	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: []research.EvidenceNote{
				evidenceNote("https://iea.example/pv", "Solar additions reached a record."),
			}},
		},
	}

	report, err := s.Synthesize(context.Background(), testBrief(), agg)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://iea.example/pv"}, report.Sections[0].CitedSources)
}

func TestSynthesizeMergedCitationsSurface(t *testing.T) {
	stub := &stubCompletion{responses: []string{"A merged finding [1]."}}
	s := NewSynthesizer(stub, zap.NewNop())

	agg := research.AggregatedEvidence{
		Groups: []research.EvidenceGroup{
			{SubQuestion: "What was added in 2024?", Notes: []research.EvidenceNote{
				evidenceNote("https://iea.example/pv", "Solar additions reached a record.", "https://mirror.example/pv"),
			}},
		},
	}

	report, err := s.Synthesize(context.Background(), testBrief(), agg)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://iea.example/pv", "https://mirror.example/pv"}, report.Sections[0].CitedSources)
}

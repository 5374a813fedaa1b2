package evidence

import (
	"regexp"
	"strings"

	"github.com/meridianlabs-ai/atlas/internal/metrics"
	"github.com/meridianlabs-ai/atlas/internal/research"
)

// DefaultSimilarityThreshold is the token-set Jaccard similarity above
// which two differently-hashed snippets count as near-duplicates.
const DefaultSimilarityThreshold = 0.8

// Config tunes aggregation.
type Config struct {
	// SimilarityThreshold in (0, 1]; zero selects the default.
	SimilarityThreshold float64
}

// Aggregate deduplicates and annotates the evidence gathered for a run.
// Groups arrive and leave in brief order; a group that arrives empty
// leaves empty, marking an explicit gap. The input is never mutated.
//
// Three passes, in order:
//  1. exact collapse: notes sharing a content hash across all groups
//     fold into the earliest-retrieved one,
//  2. near-duplicate merge within each group, keeping the most detailed
//     snippet and folding the other note's citations into MergedFrom,
//  3. conflict detection over the retained notes of each group.
func Aggregate(groups []research.EvidenceGroup, cfg Config) research.AggregatedEvidence {
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}

	out := collapseExact(groups)

	for i := range out.Groups {
		out.Groups[i].Notes = mergeNearDuplicates(out.Groups[i].Notes, threshold)
	}

	for _, g := range out.Groups {
		conflicts := detectConflicts(g)
		out.Conflicts = append(out.Conflicts, conflicts...)
		metrics.EvidenceConflicts.Add(float64(len(conflicts)))
	}

	return out
}

// collapseExact folds notes with identical content hashes into one,
// keeping the earliest retrievedAt at the position of the first
// occurrence and recording any distinct source URLs as merged citations.
func collapseExact(groups []research.EvidenceGroup) research.AggregatedEvidence {
	type slot struct{ group, note int }

	out := research.AggregatedEvidence{
		Groups: make([]research.EvidenceGroup, len(groups)),
	}
	seen := make(map[string]slot)

	for gi, g := range groups {
		out.Groups[gi] = research.EvidenceGroup{SubQuestion: g.SubQuestion}
		for _, note := range g.Notes {
			hash := note.ContentHash
			if hash == "" {
				hash = Hash(note.Snippet)
				note.ContentHash = hash
			}

			at, dup := seen[hash]
			if !dup {
				out.Groups[gi].Notes = append(out.Groups[gi].Notes, cloneNote(note))
				seen[hash] = slot{group: gi, note: len(out.Groups[gi].Notes) - 1}
				metrics.EvidenceNotes.WithLabelValues("retained").Inc()
				continue
			}

			kept := &out.Groups[at.group].Notes[at.note]
			if note.RetrievedAt.Before(kept.RetrievedAt) {
				prior := *kept
				*kept = cloneNote(note)
				absorbCitations(kept, prior)
			} else {
				absorbCitations(kept, note)
			}
			metrics.EvidenceNotes.WithLabelValues("duplicate").Inc()
		}
	}
	return out
}

// mergeNearDuplicates greedily folds each note into the first retained
// note whose snippet is similar above the threshold. The more detailed
// snippet wins; the other note survives only as citations.
func mergeNearDuplicates(notes []research.EvidenceNote, threshold float64) []research.EvidenceNote {
	if len(notes) < 2 {
		return notes
	}

	retained := make([]research.EvidenceNote, 0, len(notes))
	tokens := make([]map[string]struct{}, 0, len(notes))

next:
	for _, note := range notes {
		noteTokens := tokenize(note.Snippet)
		for i := range retained {
			if jaccardSimilarity(noteTokens, tokens[i]) < threshold {
				continue
			}
			if moreDetailed(note, retained[i]) {
				prior := retained[i]
				retained[i] = cloneNote(note)
				tokens[i] = noteTokens
				absorbCitations(&retained[i], prior)
			} else {
				absorbCitations(&retained[i], note)
			}
			metrics.EvidenceNotes.WithLabelValues("merged").Inc()
			continue next
		}
		retained = append(retained, note)
		tokens = append(tokens, noteTokens)
	}
	return retained
}

// moreDetailed prefers the longer snippet, breaking ties toward the
// earlier retrieval so merge results do not depend on input order.
func moreDetailed(a, b research.EvidenceNote) bool {
	if len(a.Snippet) != len(b.Snippet) {
		return len(a.Snippet) > len(b.Snippet)
	}
	return a.RetrievedAt.Before(b.RetrievedAt)
}

func absorbCitations(winner *research.EvidenceNote, loser research.EvidenceNote) {
	for _, src := range loser.Sources() {
		if src == winner.SourceURL || containsString(winner.MergedFrom, src) {
			continue
		}
		winner.MergedFrom = append(winner.MergedFrom, src)
	}
}

func cloneNote(n research.EvidenceNote) research.EvidenceNote {
	out := n
	out.MergedFrom = append([]string(nil), n.MergedFrom...)
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// tokenSplitPattern strips punctuation and symbols before tokenizing.
var tokenSplitPattern = regexp.MustCompile(`[\p{P}\p{S}]+`)

func tokenize(s string) map[string]struct{} {
	s = tokenSplitPattern.ReplaceAllString(strings.ToLower(s), " ")
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccardSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if _, ok := b[t]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

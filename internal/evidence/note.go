// Package evidence builds and aggregates source-attributed evidence
// notes: exact deduplication by content hash, near-duplicate merging by
// token-set similarity, and detection of conflicting numeric claims.
// Aggregation is a pure function of its input; running it twice on the
// same notes yields byte-identical output.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/meridianlabs-ai/atlas/internal/research"
)

const (
	// MaxSnippetLength bounds stored snippets; longer retrievals are cut
	// at a word boundary.
	MaxSnippetLength = 500

	// MinSnippetLength is the shortest retrieval worth keeping as
	// evidence. Anything shorter carries no citable claim.
	MinSnippetLength = 30
)

// NewNote constructs an evidence note from a retrieval result. Notes
// without a source URL or with an unusably short snippet are rejected,
// never silently kept.
func NewNote(taskID, sourceURL, title, snippet string, relevance float64, retrievedAt time.Time) (research.EvidenceNote, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return research.EvidenceNote{}, errors.New("evidence note requires a source URL")
	}

	snippet = strings.TrimSpace(snippet)
	if len(snippet) < MinSnippetLength {
		return research.EvidenceNote{}, errors.New("evidence note snippet too short")
	}
	snippet = clipSnippet(snippet)

	return research.EvidenceNote{
		TaskID:      taskID,
		SourceURL:   sourceURL,
		Title:       strings.TrimSpace(title),
		Snippet:     snippet,
		ContentHash: Hash(snippet),
		RetrievedAt: retrievedAt.UTC(),
		Relevance:   relevance,
	}, nil
}

// Hash returns the content hash used for exact-duplicate collapse:
// sha256 over the snippet normalized to lowercase with collapsed
// whitespace, so formatting variants of the same text collide.
func Hash(snippet string) string {
	sum := sha256.Sum256([]byte(normalizeText(snippet)))
	return hex.EncodeToString(sum[:])
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clipSnippet(s string) string {
	if len(s) <= MaxSnippetLength {
		return s
	}
	cut := s[:MaxSnippetLength]
	if idx := strings.LastIndexByte(cut, ' '); idx > MaxSnippetLength/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

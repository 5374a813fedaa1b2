package evidence

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/meridianlabs-ai/atlas/internal/research"
)

// A claim is one numeric assertion extracted from a snippet: a named
// quantity and the value asserted for it. Extraction is intentionally
// shallow, just a number, its unit, and the couple of significant words
// in front of it. It exists to flag disagreements for the synthesizer,
// not to understand them.
type claim struct {
	quantity string
	value    string
}

// numberPattern matches a numeric literal followed by an optional
// percent sign or unit word.
var numberPattern = regexp.MustCompile(`(\d+(?:,\d{3})*(?:\.\d+)?)\s*(%|[a-zA-Z]+)?`)

var claimUnits = map[string]string{
	"%": "%", "percent": "%", "pct": "%",
	"thousand": "thousand", "million": "million", "billion": "billion", "trillion": "trillion",
	"bn": "billion", "mn": "million",
	"kw": "kw", "mw": "mw", "gw": "gw", "tw": "tw",
	"kwh": "kwh", "mwh": "mwh", "gwh": "gwh", "twh": "twh",
	"usd": "usd", "eur": "eur", "gbp": "gbp", "dollars": "usd", "euros": "eur",
	"km": "km", "kg": "kg", "ton": "tons", "tons": "tons", "tonne": "tons", "tonnes": "tons",
	"year": "years", "years": "years", "month": "months", "months": "months",
	"week": "weeks", "weeks": "weeks", "day": "days", "days": "days", "hour": "hours", "hours": "hours",
	"people": "people", "users": "users", "employees": "employees", "units": "units",
	"gb": "gb", "tb": "tb", "pb": "pb",
}

var claimStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "at": {}, "to": {}, "is": {},
	"was": {}, "are": {}, "were": {}, "be": {}, "been": {}, "about": {}, "around": {},
	"approximately": {}, "roughly": {}, "nearly": {}, "over": {}, "under": {}, "some": {},
	"than": {}, "by": {}, "and": {}, "or": {}, "for": {}, "with": {}, "as": {}, "its": {},
	"their": {}, "this": {}, "that": {}, "these": {}, "those": {}, "now": {}, "has": {},
	"have": {}, "had": {}, "reached": {}, "reports": {}, "reported": {}, "estimated": {},
	"it": {}, "on": {}, "from": {}, "up": {}, "down": {},
}

// quantityContextWords is how many significant words before the number
// name the quantity.
const quantityContextWords = 2

// extractClaims pulls numeric claims from a snippet in text order,
// dropping bare numbers that have neither a unit nor naming context.
func extractClaims(snippet string) []claim {
	text := strings.ToLower(snippet)
	matches := numberPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	claims := make([]claim, 0, len(matches))
	for _, m := range matches {
		literal := text[m[2]:m[3]]

		unit := ""
		if m[4] >= 0 {
			unit = claimUnits[text[m[4]:m[5]]]
		}

		context := precedingWords(text[:m[0]], quantityContextWords)
		if unit == "" && len(context) == 0 {
			continue
		}

		key := strings.TrimSpace(strings.Join(append(context, unit), " "))
		value := normalizeNumber(literal)
		dedup := key + "=" + value
		if _, dup := seen[dedup]; dup {
			continue
		}
		seen[dedup] = struct{}{}
		claims = append(claims, claim{quantity: key, value: value})
	}
	return claims
}

// precedingWords returns the last n significant words before a number,
// stopping at sentence punctuation.
func precedingWords(prefix string, n int) []string {
	fields := strings.Fields(tokenSplitPattern.ReplaceAllString(prefix, " "))
	var words []string
	for i := len(fields) - 1; i >= 0 && len(words) < n; i-- {
		w := fields[i]
		if _, stop := claimStopwords[w]; stop {
			continue
		}
		if _, unit := claimUnits[w]; unit {
			continue
		}
		if strings.IndexFunc(w, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
			break
		}
		words = append([]string{w}, words...)
	}
	return words
}

func normalizeNumber(literal string) string {
	literal = strings.ReplaceAll(literal, ",", "")
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil {
		return literal
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// detectConflicts reports quantities asserted with different values by
// different retained notes of one group. Both operands are kept; the
// conflict carries every involved note in group order.
func detectConflicts(g research.EvidenceGroup) []research.Conflict {
	type assertion struct {
		value   string
		noteIdx int
	}

	byQuantity := make(map[string][]assertion)
	var order []string

	for idx, note := range g.Notes {
		for _, c := range extractClaims(note.Snippet) {
			if _, ok := byQuantity[c.quantity]; !ok {
				order = append(order, c.quantity)
			}
			byQuantity[c.quantity] = append(byQuantity[c.quantity], assertion{value: c.value, noteIdx: idx})
		}
	}

	var conflicts []research.Conflict
	for _, q := range order {
		asserts := byQuantity[q]

		disagree := false
		for i := 0; i < len(asserts) && !disagree; i++ {
			for j := i + 1; j < len(asserts); j++ {
				if asserts[i].value != asserts[j].value && asserts[i].noteIdx != asserts[j].noteIdx {
					disagree = true
					break
				}
			}
		}
		if !disagree {
			continue
		}

		var involved []research.EvidenceNote
		added := make(map[int]struct{})
		for _, a := range asserts {
			if _, dup := added[a.noteIdx]; dup {
				continue
			}
			added[a.noteIdx] = struct{}{}
			involved = append(involved, g.Notes[a.noteIdx])
		}

		conflicts = append(conflicts, research.Conflict{
			SubQuestion: g.SubQuestion,
			Quantity:    q,
			Notes:       involved,
		})
	}
	return conflicts
}

// Package presets loads and serves research presets: named bundles of
// scoping constraints and sub-question hints that shape a brief without
// overriding the user's question.
package presets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preset is a declarative scoping profile loaded from YAML.
type Preset struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`

	// Constraints are appended to the brief verbatim.
	Constraints []string `yaml:"constraints,omitempty"`

	// SubQuestionHints steer decomposition; they are suggestions,
	// not replacements for generated sub-questions.
	SubQuestionHints []string `yaml:"sub_question_hints,omitempty"`

	// MaxSubQuestions caps decomposition when set (> 0).
	MaxSubQuestions int `yaml:"max_sub_questions,omitempty"`
}

// Key returns the registry key for the preset.
func (p *Preset) Key() string {
	return Key(p.Name, p.Version)
}

// Key builds a name@version registry key.
func Key(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

// Parse decodes a single preset document. It fails on unknown fields so
// typos in preset files surface at load time instead of silently doing
// nothing.
func Parse(data []byte) (*Preset, error) {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)

	var p Preset
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode preset: %w", err)
	}
	return &p, nil
}

// ContentHash returns the sha256 of the raw preset document, used to
// detect drift between loaded presets and their source files.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Issue describes a single validation failure within a preset file.
type Issue struct {
	Code    string
	Path    string
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return fmt.Sprintf("%s: %s", i.Code, i.Message)
	}
	return fmt.Sprintf("%s at %s: %s", i.Code, i.Path, i.Message)
}

// ValidationError aggregates all issues found in one preset document.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return "invalid preset: " + strings.Join(parts, "; ")
}

// Validate checks structural soundness of a preset and returns every
// issue found rather than stopping at the first.
func Validate(p *Preset) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{Code: "missing_name", Path: "name", Message: "preset name is required"})
	} else if strings.ContainsAny(p.Name, "@ \t") {
		issues = append(issues, Issue{Code: "invalid_name", Path: "name", Message: "preset name must not contain '@' or whitespace"})
	}
	if strings.TrimSpace(p.Version) == "" {
		issues = append(issues, Issue{Code: "missing_version", Path: "version", Message: "preset version is required"})
	}
	for idx, c := range p.Constraints {
		if strings.TrimSpace(c) == "" {
			issues = append(issues, Issue{
				Code:    "empty_constraint",
				Path:    fmt.Sprintf("constraints[%d]", idx),
				Message: "constraint must not be blank",
			})
		}
	}
	for idx, h := range p.SubQuestionHints {
		if strings.TrimSpace(h) == "" {
			issues = append(issues, Issue{
				Code:    "empty_hint",
				Path:    fmt.Sprintf("sub_question_hints[%d]", idx),
				Message: "sub-question hint must not be blank",
			})
		}
	}
	if p.MaxSubQuestions < 0 {
		issues = append(issues, Issue{
			Code:    "invalid_limit",
			Path:    "max_sub_questions",
			Message: "max_sub_questions must not be negative",
		})
	}

	return issues
}

// compareVersions orders version strings numerically segment by segment
// ("10" > "9") and falls back to lexical comparison for non-numeric
// segments.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if av != bv {
				return strings.Compare(av, bv)
			}
		}
	}
	return 0
}

func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Name != s[j].Name {
			return s[i].Name < s[j].Name
		}
		return compareVersions(s[i].Version, s[j].Version) < 0
	})
}

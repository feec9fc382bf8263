package biz

import (
	"regexp"
	"sort"
	"strings"
)

// citationPattern matches the excerpt tags the system prompt asks the
// model to cite.
var citationPattern = regexp.MustCompile(`\[doc\d+\]`)

// VerdictStatus classifies a generated answer.
type VerdictStatus string

const (
	// VerdictAccepted means the answer cites at least one excerpt.
	VerdictAccepted VerdictStatus = "accepted"
	// VerdictRefused means the model declined with the refusal wording.
	VerdictRefused VerdictStatus = "refused"
	// VerdictUngrounded means the answer asserts content without any
	// citation; the guardrail replaces it.
	VerdictUngrounded VerdictStatus = "ungrounded"
)

// Verdict is the outcome of answer verification.
type Verdict struct {
	Status    VerdictStatus
	Citations []string
}

// VerifyAnswer inspects the generated answer against the tags that
// were actually in the assembled context. Refusals are recognized by
// the fixed wording, case-insensitively, so a slightly reformatted
// refusal still counts. Any other answer must cite at least one tag
// that exists in the context; a tag the model invented does not count.
func VerifyAnswer(answer string, validTags []string) *Verdict {
	if strings.Contains(strings.ToLower(answer), "cannot find") {
		return &Verdict{Status: VerdictRefused}
	}

	citations := extractCitations(answer, validTags)
	if len(citations) == 0 {
		return &Verdict{Status: VerdictUngrounded}
	}

	return &Verdict{Status: VerdictAccepted, Citations: citations}
}

// extractCitations returns the distinct cited tags that exist in the
// context, sorted so audit records are stable.
func extractCitations(answer string, validTags []string) []string {
	matches := citationPattern.FindAllString(answer, -1)
	if len(matches) == 0 {
		return nil
	}

	valid := make(map[string]struct{}, len(validTags))
	for _, tag := range validTags {
		valid[tag] = struct{}{}
	}

	seen := make(map[string]struct{}, len(matches))
	var citations []string
	for _, m := range matches {
		tag := strings.Trim(m, "[]")
		if _, ok := valid[tag]; !ok {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		citations = append(citations, tag)
	}

	sort.Strings(citations)
	return citations
}

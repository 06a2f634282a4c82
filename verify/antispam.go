package verify

import "strings"

// Spam heuristics shared by the content-judging templates. Thresholds are
// fixed here rather than poster-configurable so a poster cannot relax them.

const (
	// maxRepetitionRatio rejects entries where a single token dominates.
	maxRepetitionRatio = 0.5
	// maxSimilarity rejects near-duplicates of the author's other entries.
	maxSimilarity = 0.85
	// maxKeywordDensity rejects keyword-stuffed site content.
	maxKeywordDensity = 0.3
)

func tokenize(body string) []string {
	fields := strings.Fields(strings.ToLower(body))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		trimmed := strings.Trim(f, ".,!?;:\"'()[]{}")
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// repetitionRatio returns the share of tokens taken by the most frequent one.
func repetitionRatio(body string) float64 {
	tokens := tokenize(body)
	if len(tokens) == 0 {
		return 1
	}
	counts := make(map[string]int, len(tokens))
	max := 0
	for _, tok := range tokens {
		counts[tok]++
		if counts[tok] > max {
			max = counts[tok]
		}
	}
	return float64(max) / float64(len(tokens))
}

// similarity is the Jaccard index over token sets. Cheap but sufficient to
// catch copy-paste resubmissions of the same entry with minor edits.
func similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(body string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range tokenize(body) {
		set[tok] = struct{}{}
	}
	return set
}

// keywordDensity returns the share of tokens that match any keyword.
func keywordDensity(body string, keywords []string) float64 {
	tokens := tokenize(body)
	if len(tokens) == 0 || len(keywords) == 0 {
		return 0
	}
	lookup := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		lookup[strings.ToLower(strings.TrimSpace(kw))] = struct{}{}
	}
	hits := 0
	for _, tok := range tokens {
		if _, ok := lookup[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

func containsFold(body, needle string) bool {
	return strings.Contains(strings.ToLower(body), strings.ToLower(strings.TrimSpace(needle)))
}

func wordCount(body string) int {
	return len(strings.Fields(body))
}

package memory

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Token heuristics are deliberately naive: whitespace split, lowercase, no
// stemming or stopwords.

const summaryKeywordMinLen = 5

// TopicTokens splits a topic into lowercase whitespace-separated tokens.
// Duplicates are kept; each one scores independently.
func TopicTokens(topic string) []string {
	return strings.Fields(strings.ToLower(topic))
}

// recordText is the lowercase haystack used for topic matching and keyword
// extraction.
func recordText(r *Record) string {
	return strings.ToLower(r.Content + " " + r.Context)
}

// SummaryKeywords returns the n most frequent tokens longer than four
// characters across the records. Ties keep first-seen order.
func SummaryKeywords(records []*Record, n int) []string {
	counts := map[string]int{}
	order := []string{}
	for _, r := range records {
		for _, w := range strings.Fields(recordText(r)) {
			if utf8.RuneCountInString(w) < summaryKeywordMinLen {
				continue
			}
			if _, seen := counts[w]; !seen {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	return order
}

package services

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// significantTerms returns the set of lowercased tokens of at least 4
// characters, excluding common stop words. Used for the term-match
// preference when ranking expansion candidates.
func significantTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopWords[w] {
			terms[w] = true
		}
	}
	return terms
}

// splitSentences splits text at period/question/exclamation boundaries
// followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// sentenceExcerpt returns an excerpt from the start of content, extended
// sentence by sentence while it fits within maxChars. A first sentence that
// alone exceeds the limit is hard-trimmed at a rune boundary.
func sentenceExcerpt(content string, maxChars int) string {
	content = strings.TrimSpace(content)
	if maxChars <= 0 || content == "" {
		return ""
	}
	if len(content) <= maxChars {
		return content
	}

	sentences := splitSentences(content)
	var b strings.Builder
	for _, s := range sentences {
		extra := len(s)
		if b.Len() > 0 {
			extra++
		}
		if b.Len()+extra > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	if b.Len() > 0 {
		return b.String()
	}

	trimmed := content[:maxChars]
	for len(trimmed) > 0 && !utf8.ValidString(trimmed) {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return strings.TrimSpace(trimmed)
}

// locateSnippet finds the byte range of snippet inside content. Exact match
// first, then progressively shorter prefixes (80, 60, 40 chars), then the
// longest segments of an ellipsis-split snippet (at least 20 chars each).
// Returns ok=false when nothing anchors.
func locateSnippet(content, snippet string) (start, end int, ok bool) {
	snippet = strings.TrimSpace(snippet)
	if content == "" || snippet == "" {
		return 0, 0, false
	}

	if idx := strings.Index(content, snippet); idx >= 0 {
		return idx, idx + len(snippet), true
	}

	for _, n := range []int{80, 60, 40} {
		if len(snippet) <= n {
			continue
		}
		prefix := truncateRunes(snippet, n)
		if idx := strings.Index(content, prefix); idx >= 0 {
			return idx, idx + len(prefix), true
		}
	}

	normalized := strings.ReplaceAll(snippet, "…", "...")
	for _, segment := range strings.Split(normalized, "...") {
		segment = strings.TrimSpace(segment)
		if len(segment) < 20 {
			continue
		}
		if idx := strings.Index(content, segment); idx >= 0 {
			return idx, idx + len(segment), true
		}
	}

	return 0, 0, false
}

// contextWindow extracts up to contextChars of page text on each side of the
// [start,end) byte range. Edges are suppressed when the range sits within the
// first or last 80 chars of the page, where context would add nothing.
func contextWindow(content string, start, end, contextChars int) (before, after string) {
	if contextChars <= 0 || start < 0 || end > len(content) || start > end {
		return "", ""
	}

	if start >= 80 {
		from := start - contextChars
		if from < 0 {
			from = 0
		}
		for from < start && !utf8.RuneStart(content[from]) {
			from++
		}
		before = strings.TrimSpace(content[from:start])
	}

	if end <= len(content)-80 {
		to := end + contextChars
		if to > len(content) {
			to = len(content)
		}
		for to > end && to < len(content) && !utf8.RuneStart(content[to]) {
			to--
		}
		after = strings.TrimSpace(content[end:to])
	}

	return before, after
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// stopWords is a set of common English stop words to exclude from matching.
var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true,
	"have": true, "been": true, "were": true, "they": true,
	"their": true, "will": true, "would": true, "could": true,
	"should": true, "about": true, "which": true, "there": true,
	"these": true, "those": true, "then": true, "than": true,
	"them": true, "what": true, "when": true, "where": true,
	"your": true, "more": true, "some": true, "such": true,
	"only": true, "also": true, "very": true, "just": true,
	"into": true, "over": true, "each": true, "does": true,
	"most": true, "after": true, "before": true, "other": true,
	"being": true, "same": true, "both": true, "between": true,
}

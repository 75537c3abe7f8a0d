// Copyright 2025 James Ross
package stages

import "regexp"

var sentenceBoundary = regexp.MustCompile(`(?:[.!?]+)(?:\s+|$)`)

// SplitSentences splits abstract text into an ordered sequence of
// sentences. It is a small splitter on runs of terminal punctuation
// followed by whitespace or the end of the text; it has no abbreviation
// handling (an "e.g." also ends a sentence) and does not attempt full
// NLP-grade sentence segmentation.
func SplitSentences(text string) []string {
	locs := sentenceBoundary.FindAllStringIndex(text, -1)
	if locs == nil {
		trimmed := trimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	var out []string
	start := 0
	for _, loc := range locs {
		sent := trimSpace(text[start:loc[1]])
		if sent != "" {
			out = append(out, sent)
		}
		start = loc[1]
	}
	if start < len(text) {
		tail := trimSpace(text[start:])
		if tail != "" {
			out = append(out, tail)
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

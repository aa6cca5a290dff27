package services

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRegex   = regexp.MustCompile(`[\s\x{3000}]+`)
	punctuationFolder = strings.NewReplacer("！", "!", "？", "?")
)

// NormalizeText canonicalizes text for comparison: NFC, lowercase, full-width
// punctuation folded to ASCII, whitespace runs (including U+3000) collapsed.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	normalized := norm.NFC.String(text)
	normalized = strings.ToLower(normalized)
	normalized = punctuationFolder.Replace(normalized)
	normalized = whitespaceRegex.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

// tokenize splits normalized text on single spaces.
func tokenize(text string) []string {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, " ")
}

// tokenOverlapRatio returns the fraction of search tokens that contain, or are
// contained in, at least one target token.
func tokenOverlapRatio(search, target []string) float64 {
	if len(search) == 0 || len(target) == 0 {
		return 0
	}

	matched := 0
	for _, s := range search {
		for _, t := range target {
			if strings.Contains(t, s) || strings.Contains(s, t) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(search))
}

// keywordsFrom returns the normalized words of text longer than minRunes characters.
func keywordsFrom(text string, minRunes int) []string {
	var keywords []string
	seen := make(map[string]bool)
	for _, token := range tokenize(text) {
		if utf8.RuneCountInString(token) <= minRunes || seen[token] {
			continue
		}
		seen[token] = true
		keywords = append(keywords, token)
	}
	return keywords
}

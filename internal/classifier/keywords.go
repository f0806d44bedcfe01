package classifier

import (
	"strings"
	"unicode"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// formsFor selects the native or English form of a keyword pair for the
// detected language, per spec.md §4.4: "the form matching the detected
// language (or both forms for other)".
func formsFor(pair model.KeywordPair, lang model.Language) []string {
	switch lang {
	case model.LanguageEnglish:
		return []string{pair.English}
	case model.LanguageArabic:
		return []string{pair.Native}
	default:
		if pair.English == pair.Native {
			return []string{pair.English}
		}
		return []string{pair.English, pair.Native}
	}
}

// containsWholeWord reports whether needle occurs in haystack at a
// Unicode letter-class boundary on both sides: the rune immediately
// before and after the match must not be a letter (or must be absent).
// Matching is case-insensitive.
func containsWholeWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	hayLower := strings.ToLower(haystack)
	needleLower := strings.ToLower(needle)

	runes := []rune(hayLower)
	needleRunes := []rune(needleLower)

	for start := 0; start+len(needleRunes) <= len(runes); start++ {
		if !runesEqual(runes[start:start+len(needleRunes)], needleRunes) {
			continue
		}
		beforeOK := start == 0 || !unicode.IsLetter(runes[start-1])
		afterIdx := start + len(needleRunes)
		afterOK := afterIdx == len(runes) || !unicode.IsLetter(runes[afterIdx])
		if beforeOK && afterOK {
			return true
		}
	}
	return false
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// matchList tests every pair in list against body for the detected
// language and returns the English-normalized forms of every match, in
// list order.
func matchList(body string, lang model.Language, list []model.KeywordPair) []string {
	var matches []string
	for _, pair := range list {
		for _, form := range formsFor(pair, lang) {
			if containsWholeWord(body, form) {
				matches = append(matches, pair.English)
				break
			}
		}
	}
	return matches
}

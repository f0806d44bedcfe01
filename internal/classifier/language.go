package classifier

import (
	"strings"
	"unicode"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// commonEnglish and commonArabic are small high-frequency vocabularies
// used as a heuristic signal alongside script counting. They are not
// meant to be exhaustive — just a tie-breaker on short or mixed bodies.
var commonEnglish = map[string]bool{
	"the": true, "and": true, "is": true, "are": true, "of": true,
	"in": true, "to": true, "a": true, "for": true, "on": true,
	"urgent": true, "breaking": true, "today": true, "news": true,
}

var commonArabic = map[string]bool{
	"في": true, "من": true, "إلى": true, "على": true, "اليوم": true,
	"عاجل": true, "خبر": true, "هذا": true, "هذه": true,
}

// DetectLanguage implements the heuristic described in spec.md §4.4
// step 1: count whitespace-tokens matched against a small high-frequency
// vocabulary per language, count characters in the Arabic and Latin
// Unicode blocks, and decide by the larger ratio. Ties and very short
// bodies decide by script.
func DetectLanguage(body string) model.Language {
	tokens := strings.Fields(body)
	enTokenHits, arTokenHits := 0, 0
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		if commonEnglish[lower] {
			enTokenHits++
		}
		if commonArabic[tok] {
			arTokenHits++
		}
	}

	var arabicChars, latinChars, totalLetters int
	for _, r := range body {
		if !unicode.IsLetter(r) {
			continue
		}
		totalLetters++
		if isArabicBlock(r) {
			arabicChars++
		} else if isLatinBlock(r) {
			latinChars++
		}
	}

	if totalLetters == 0 {
		return model.LanguageOther
	}

	arRatio := float64(arabicChars) / float64(totalLetters)
	enRatio := float64(latinChars) / float64(totalLetters)

	// Very short bodies (few letters) are dominated by script, not the
	// token vocabulary — a two-word body can't carry a reliable keyword
	// signal.
	if totalLetters < 8 {
		return decideByScript(arRatio, enRatio)
	}

	if enTokenHits == 0 && arTokenHits == 0 {
		return decideByScript(arRatio, enRatio)
	}
	if enTokenHits > arTokenHits {
		return model.LanguageEnglish
	}
	if arTokenHits > enTokenHits {
		return model.LanguageArabic
	}
	return decideByScript(arRatio, enRatio)
}

func decideByScript(arRatio, enRatio float64) model.Language {
	switch {
	case arRatio > enRatio && arRatio > 0:
		return model.LanguageArabic
	case enRatio > arRatio && enRatio > 0:
		return model.LanguageEnglish
	default:
		return model.LanguageOther
	}
}

func isArabicBlock(r rune) bool {
	return (r >= 0x0600 && r <= 0x06FF) || (r >= 0x0750 && r <= 0x077F)
}

func isLatinBlock(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') ||
		(r >= 0x00C0 && r <= 0x024F)
}

// Package classifier implements the Classifier (C4): the five-step
// significance pipeline from spec.md §4.4 — language detection,
// exclude pass, keyword pass, AI pass, and additional-criteria
// refinement — degrading gracefully whenever the AI backend is
// unavailable.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// AIClient is the subset of *inference.Client the classifier needs.
type AIClient interface {
	Complete(ctx context.Context, system, prompt string, temperature float64) (string, error)
}

// BodyTranslator is the subset of *translator.Translator the classifier
// needs to render the AI pass's returned token in English when the
// service answers in the message's own language. translator.Translator
// exposes a same-named, same-signature TranslateToEnglish method,
// keeping classifier's dependency on the translator package purely
// structural.
type BodyTranslator interface {
	TranslateToEnglish(ctx context.Context, body string, lang model.Language, useAI bool) (text string, wasTranslated bool)
}

// Classifier runs the significance pipeline for one country's policy.
type Classifier struct {
	ai         AIClient
	translator BodyTranslator
}

// New builds a Classifier. Either dependency may be nil: a nil ai
// disables the AI pass and criteria refinement (everything degrades to
// keyword-only verdicts); a nil translator leaves a non-English AI
// token untranslated.
func New(ai AIClient, translator BodyTranslator) *Classifier {
	return &Classifier{ai: ai, translator: translator}
}

// Outcome is the classifier's verdict for one message body, ready to be
// merged into a model.ProcessedMessage by the caller along with
// translation and correlation metadata.
type Outcome struct {
	Language        model.Language
	Verdict         model.Verdict
	MatchedKeywords []string
	Method          model.Method
	Reasoning       string
}

// Classify runs body through the five-step pipeline under policy.
func (c *Classifier) Classify(ctx context.Context, body string, policy model.ClassificationPolicy) Outcome {
	lang := DetectLanguage(body)

	// Step 2: exclude pass short-circuits everything else.
	if excludeMatches := matchList(body, lang, policy.Exclude); len(excludeMatches) > 0 {
		return Outcome{
			Language:        lang,
			Verdict:         model.VerdictExcluded,
			MatchedKeywords: excludeMatches,
			Method:          model.MethodExcludedKeyword,
		}
	}

	// Step 3: keyword pass.
	sigMatches := matchList(body, lang, policy.Significant)
	trivMatches := matchList(body, lang, policy.Trivial)

	switch {
	case len(sigMatches) > 0 && len(trivMatches) == 0:
		return c.refine(ctx, body, lang, policy, Outcome{
			Language:        lang,
			Verdict:         model.VerdictSignificant,
			MatchedKeywords: sigMatches,
			Method:          model.MethodKeywordSignificant,
		})
	case len(trivMatches) > 0 && len(sigMatches) == 0:
		return Outcome{
			Language:        lang,
			Verdict:         model.VerdictTrivial,
			MatchedKeywords: trivMatches,
			Method:          model.MethodKeywordTrivial,
		}
	}

	// Both matched or neither matched: escalate to AI if the country
	// opted in; otherwise fall back per spec.md §4.4 step 3's default
	// ("significance wins" when both hit, no_match_trivial when
	// neither did).
	bothHit := len(sigMatches) > 0 && len(trivMatches) > 0
	if !policy.UseAIForMessageFiltering {
		if bothHit {
			return c.refine(ctx, body, lang, policy, Outcome{
				Language:        lang,
				Verdict:         model.VerdictSignificant,
				MatchedKeywords: sigMatches,
				Method:          model.MethodKeywordSignificant,
			})
		}
		return Outcome{Language: lang, Verdict: model.VerdictTrivial, Method: model.MethodNoMatchTrivial}
	}

	matches := append(append([]string{}, sigMatches...), trivMatches...)
	outcome := c.aiPass(ctx, body, lang, policy, sigMatches, matches)
	return c.refine(ctx, body, lang, policy, outcome)
}

// aiPass asks the inference backend whether the message is significant,
// sending the body untranslated together with both keyword lists in
// their original languages (spec.md §4.4 step 4). On any failure it
// degrades to no_match_trivial with the ai_unavailable suffix, per
// spec.md §7's graceful-degradation rule. A significant verdict reports
// only sigMatches: the significance-relevant keywords, not the trivial
// ones that also happened to hit and triggered the escalation.
func (c *Classifier) aiPass(ctx context.Context, body string, lang model.Language, policy model.ClassificationPolicy, sigMatches, matches []string) Outcome {
	if c.ai == nil {
		return Outcome{
			Language:        lang,
			Verdict:         model.VerdictTrivial,
			Method:          model.MethodNoMatchTrivial + model.AIUnavailableSuffix,
			MatchedKeywords: matches,
		}
	}

	system := fmt.Sprintf(
		"You triage chat messages for newsworthy significance. "+
			"Known significant keywords: %s. Known trivial keywords: %s. "+
			"Reply with exactly one line: either \"Significant: <short reason>\" or \"Trivial\".",
		keywordList(policy.Significant), keywordList(policy.Trivial),
	)
	answer, err := c.ai.Complete(ctx, system, body, 0.2)
	if err != nil {
		return Outcome{
			Language:        lang,
			Verdict:         model.VerdictTrivial,
			MatchedKeywords: matches,
			Method:          model.MethodNoMatchTrivial + model.AIUnavailableSuffix,
			Reasoning:       err.Error(),
		}
	}

	reason, significant := parseSignificant(answer)
	if !significant {
		return Outcome{Language: lang, Verdict: model.VerdictTrivial, MatchedKeywords: matches, Method: model.MethodAITrivial}
	}

	// The token may come back in the message's own language; translate
	// it to English before it is recorded as reasoning prose.
	if lang != model.LanguageEnglish && c.translator != nil {
		if englished, _ := c.translator.TranslateToEnglish(ctx, reason, lang, policy.UseAIForTranslation); englished != "" {
			reason = englished
		}
	}
	return Outcome{Language: lang, Verdict: model.VerdictSignificant, MatchedKeywords: sigMatches, Method: model.MethodAISignificant, Reasoning: reason}
}

func keywordList(pairs []model.KeywordPair) string {
	if len(pairs) == 0 {
		return "(none)"
	}
	forms := make([]string, 0, len(pairs))
	for _, p := range pairs {
		forms = append(forms, p.English)
	}
	return strings.Join(forms, ", ")
}

// parseSignificant extracts the reason from a "Significant: <reason>"
// response. Case-insensitive on the leading token since models are not
// perfectly consistent about casing.
func parseSignificant(answer string) (string, bool) {
	trimmed := strings.TrimSpace(answer)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "significant") {
		return "", false
	}
	rest := trimmed[len("significant"):]
	rest = strings.TrimPrefix(strings.TrimSpace(rest), ":")
	return strings.TrimSpace(rest), true
}

// refine applies step 5: when a significant verdict's country has
// use_ai_for_enhanced_filtering enabled with at least one configured
// criterion, ask the inference service whether all criteria are
// satisfied. A clear "no" downgrades to criteria_refined_trivial; any
// ambiguous or failed answer keeps the significant verdict, per spec.md
// §4.4 step 5's explicit "benefit of the doubt" rule.
func (c *Classifier) refine(ctx context.Context, body string, lang model.Language, policy model.ClassificationPolicy, outcome Outcome) Outcome {
	if outcome.Verdict != model.VerdictSignificant {
		return outcome
	}
	if !policy.UseAIForEnhancedFiltering || len(policy.AdditionalAICriteria) == 0 || c.ai == nil {
		return outcome
	}

	criteria := strings.Join(policy.AdditionalAICriteria, "; ")
	system := fmt.Sprintf(
		"A message was classified significant. Criteria to check: %s. "+
			"Reply with exactly one word: \"Yes\" if all criteria are clearly satisfied, "+
			"\"No\" if they clearly are not, or \"Unsure\" otherwise.",
		criteria,
	)
	deadline, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	answer, err := c.ai.Complete(deadline, system, body, 0.2)
	if err != nil {
		return outcome
	}

	if strings.EqualFold(strings.TrimSpace(answer), "No") {
		outcome.Verdict = model.VerdictTrivial
		outcome.Method = model.MethodCriteriaRefinedTrivial
		return outcome
	}
	// "Yes" or anything ambiguous keeps the significant verdict.
	return outcome
}

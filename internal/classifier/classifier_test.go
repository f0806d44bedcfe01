package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

type fakeAI struct {
	answers []string
	errs    []error
	calls   int
}

func (f *fakeAI) Complete(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.answers) {
		return f.answers[i], nil
	}
	return "Trivial", nil
}

type fakeTranslator struct{}

func (fakeTranslator) TranslateToEnglish(ctx context.Context, body string, lang model.Language, useAI bool) (string, bool) {
	return "english: " + body, true
}

func pair(en, native string) model.KeywordPair {
	return model.KeywordPair{English: en, Native: native}
}

func TestClassify_ExcludePassShortCircuits(t *testing.T) {
	c := New(nil, nil)
	policy := model.ClassificationPolicy{
		Exclude:     []model.KeywordPair{pair("spam", "spam")},
		Significant: []model.KeywordPair{pair("explosion", "explosion")},
	}
	out := c.Classify(context.Background(), "this is spam about an explosion", policy)
	assert.Equal(t, model.VerdictExcluded, out.Verdict)
	assert.Equal(t, model.MethodExcludedKeyword, out.Method)
	assert.Equal(t, []string{"spam"}, out.MatchedKeywords)
}

func TestClassify_SignificantKeywordOnly(t *testing.T) {
	c := New(nil, nil)
	policy := model.ClassificationPolicy{
		Significant: []model.KeywordPair{pair("explosion", "explosion")},
		Trivial:     []model.KeywordPair{pair("sale", "sale")},
	}
	out := c.Classify(context.Background(), "breaking: explosion downtown", policy)
	assert.Equal(t, model.VerdictSignificant, out.Verdict)
	assert.Equal(t, model.MethodKeywordSignificant, out.Method)
	assert.Equal(t, []string{"explosion"}, out.MatchedKeywords)
}

func TestClassify_TrivialKeywordOnly(t *testing.T) {
	c := New(nil, nil)
	policy := model.ClassificationPolicy{
		Significant: []model.KeywordPair{pair("explosion", "explosion")},
		Trivial:     []model.KeywordPair{pair("sale", "sale")},
	}
	out := c.Classify(context.Background(), "weekend sale at the market", policy)
	assert.Equal(t, model.VerdictTrivial, out.Verdict)
	assert.Equal(t, model.MethodKeywordTrivial, out.Method)
}

func TestClassify_NoMatchNoAI_DefaultsTrivial(t *testing.T) {
	c := New(nil, nil)
	policy := model.ClassificationPolicy{}
	out := c.Classify(context.Background(), "just saying hello", policy)
	assert.Equal(t, model.VerdictTrivial, out.Verdict)
	assert.Equal(t, model.MethodNoMatchTrivial, out.Method)
}

func TestClassify_BothMatchNoAI_SignificanceWins(t *testing.T) {
	c := New(nil, nil)
	policy := model.ClassificationPolicy{
		Significant: []model.KeywordPair{pair("explosion", "explosion")},
		Trivial:     []model.KeywordPair{pair("sale", "sale")},
	}
	out := c.Classify(context.Background(), "explosion at the sale event", policy)
	assert.Equal(t, model.VerdictSignificant, out.Verdict)
	assert.Equal(t, model.MethodKeywordSignificant, out.Method)
}

func TestClassify_NoMatchEscalatesToAI_Significant(t *testing.T) {
	ai := &fakeAI{answers: []string{"Significant: major incident"}}
	c := New(ai, nil)
	policy := model.ClassificationPolicy{UseAIForMessageFiltering: true}
	out := c.Classify(context.Background(), "something happened near the port", policy)
	assert.Equal(t, model.VerdictSignificant, out.Verdict)
	assert.Equal(t, model.MethodAISignificant, out.Method)
	assert.Equal(t, "major incident", out.Reasoning)
	assert.Equal(t, 1, ai.calls)
}

func TestClassify_NoMatchEscalatesToAI_Trivial(t *testing.T) {
	ai := &fakeAI{answers: []string{"Trivial"}}
	c := New(ai, nil)
	policy := model.ClassificationPolicy{UseAIForMessageFiltering: true}
	out := c.Classify(context.Background(), "good morning everyone", policy)
	assert.Equal(t, model.VerdictTrivial, out.Verdict)
	assert.Equal(t, model.MethodAITrivial, out.Method)
}

func TestClassify_AIFailureDegradesGracefully(t *testing.T) {
	ai := &fakeAI{errs: []error{errors.New("connection refused")}}
	c := New(ai, nil)
	policy := model.ClassificationPolicy{UseAIForMessageFiltering: true}
	out := c.Classify(context.Background(), "ambiguous body with no keywords", policy)
	assert.Equal(t, model.VerdictTrivial, out.Verdict)
	assert.Equal(t, model.MethodNoMatchTrivial+model.AIUnavailableSuffix, out.Method)
}

func TestClassify_AITokenTranslatedWhenNotEnglish(t *testing.T) {
	ai := &fakeAI{answers: []string{"Significant: حدث خطير"}}
	c := New(ai, fakeTranslator{})
	policy := model.ClassificationPolicy{UseAIForMessageFiltering: true}
	out := c.Classify(context.Background(), "حدث خطير اليوم في المدينة الكبيرة هنا", policy)
	require.Equal(t, model.VerdictSignificant, out.Verdict)
	assert.Contains(t, out.Reasoning, "english:")
}

func TestClassify_CriteriaRefinementDowngradesOnNo(t *testing.T) {
	ai := &fakeAI{answers: []string{"No"}}
	c := New(ai, nil)
	policy := model.ClassificationPolicy{
		Significant:               []model.KeywordPair{pair("explosion", "explosion")},
		UseAIForEnhancedFiltering: true,
		AdditionalAICriteria:      []string{"must mention casualties"},
	}
	out := c.Classify(context.Background(), "explosion reported, no injuries", policy)
	assert.Equal(t, model.VerdictTrivial, out.Verdict)
	assert.Equal(t, model.MethodCriteriaRefinedTrivial, out.Method)
}

func TestClassify_CriteriaRefinementBenefitOfTheDoubt(t *testing.T) {
	ai := &fakeAI{answers: []string{"Unsure"}}
	c := New(ai, nil)
	policy := model.ClassificationPolicy{
		Significant:               []model.KeywordPair{pair("explosion", "explosion")},
		UseAIForEnhancedFiltering: true,
		AdditionalAICriteria:      []string{"must mention casualties"},
	}
	out := c.Classify(context.Background(), "explosion reported downtown", policy)
	assert.Equal(t, model.VerdictSignificant, out.Verdict)
	assert.Equal(t, model.MethodKeywordSignificant, out.Method)
}

func TestClassify_CriteriaRefinementSurvivesAIFailure(t *testing.T) {
	ai := &fakeAI{errs: []error{errors.New("timeout")}}
	c := New(ai, nil)
	policy := model.ClassificationPolicy{
		Significant:               []model.KeywordPair{pair("explosion", "explosion")},
		UseAIForEnhancedFiltering: true,
		AdditionalAICriteria:      []string{"must mention casualties"},
	}
	out := c.Classify(context.Background(), "explosion reported downtown", policy)
	assert.Equal(t, model.VerdictSignificant, out.Verdict)
}

func TestClassify_CriteriaRefinementSkippedWhenTrivial(t *testing.T) {
	ai := &fakeAI{}
	c := New(ai, nil)
	policy := model.ClassificationPolicy{
		Trivial:                   []model.KeywordPair{pair("sale", "sale")},
		UseAIForEnhancedFiltering: true,
		AdditionalAICriteria:      []string{"must mention casualties"},
	}
	out := c.Classify(context.Background(), "weekend sale announced", policy)
	assert.Equal(t, model.VerdictTrivial, out.Verdict)
	assert.Equal(t, model.MethodKeywordTrivial, out.Method)
	assert.Equal(t, 0, ai.calls)
}

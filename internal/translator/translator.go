// Package translator implements the Translator (C5): best-effort
// translation of a message body to English, with a free general-purpose
// backend and an AI backend, selected per country.
//
// The free backend is grounded on LibreTranslate's plain REST contract
// (POST {q, source, target, format} -> {translatedText}), the simplest
// translation HTTP API demonstrated across the pack's other_examples/
// snippets; no SDK for it appears anywhere in the corpus, so it is
// built directly on net/http + encoding/json (documented as a
// stdlib-only concern in SPEC_FULL.md's DOMAIN STACK section). The AI
// backend reuses internal/inference, the same client the Classifier's
// AI pass calls.
package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// Timeout is the short per-call budget spec.md §4.5 gives translation
// before it must fail gracefully.
const Timeout = 10 * time.Second

// Result is the Translator's output contract (spec.md §4.5).
type Result struct {
	Language      model.Language
	Text          string
	WasTranslated bool
}

// AIClient is the subset of *inference.Client the AI backend needs.
type AIClient interface {
	Complete(ctx context.Context, system, prompt string, temperature float64) (string, error)
}

// Translator picks a backend per call based on the useAI flag the
// caller passes (countries configure this independently via
// classification_policy.use_ai_for_translation).
type Translator struct {
	freeBaseURL string
	httpClient  *http.Client
	ai          AIClient
}

// New builds a Translator. freeBaseURL is the LibreTranslate-shaped
// endpoint used when a country has not opted into the AI backend; ai
// may be nil if no inference client is configured, in which case
// AI-backend requests degrade to the untranslated original.
func New(freeBaseURL string, ai AIClient) *Translator {
	return &Translator{
		freeBaseURL: freeBaseURL,
		httpClient:  &http.Client{Timeout: Timeout},
		ai:          ai,
	}
}

// Translate implements spec.md §4.4 step 1's short-circuit and §4.5's
// contract: given the caller's detected language lang, if it is English
// and the body contains no non-Latin letters, skip the network call.
// Otherwise call the configured backend, with one retry, and degrade
// to (detected-or-unknown, original text, false) on any failure.
func (t *Translator) Translate(ctx context.Context, body string, lang model.Language, useAI bool) Result {
	if lang == model.LanguageEnglish && !hasNonLatinLetters(body) {
		return Result{Language: lang, Text: body, WasTranslated: false}
	}

	callCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	var (
		translated string
		err        error
	)
	if useAI {
		translated, err = t.translateAI(callCtx, body)
	} else {
		translated, err = t.translateFree(callCtx, body)
	}
	if err != nil {
		// One retry before giving up, per spec.md §4.5.
		translated, err = retryOnce(callCtx, func(ctx context.Context) (string, error) {
			if useAI {
				return t.translateAI(ctx, body)
			}
			return t.translateFree(ctx, body)
		})
	}
	if err != nil {
		return Result{Language: lang, Text: body, WasTranslated: false}
	}
	return Result{Language: lang, Text: translated, WasTranslated: true}
}

// TranslateToEnglish is the same contract as Translate, flattened to a
// plain (text, wasTranslated) pair so the classifier package can depend
// on it through a narrow structural interface without importing this
// package's Result type.
func (t *Translator) TranslateToEnglish(ctx context.Context, body string, lang model.Language, useAI bool) (string, bool) {
	result := t.Translate(ctx, body, lang, useAI)
	return result.Text, result.WasTranslated
}

func retryOnce(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return fn(ctx)
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

func (t *Translator) translateFree(ctx context.Context, body string) (string, error) {
	if t.freeBaseURL == "" {
		return "", fmt.Errorf("translator_unavailable: no free backend configured")
	}
	payload, err := json.Marshal(translateRequest{Q: body, Source: "auto", Target: "en", Format: "text"})
	if err != nil {
		return "", fmt.Errorf("translator_unavailable: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.freeBaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("translator_unavailable: build request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("translator_unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translator_unavailable: status %d", resp.StatusCode)
	}

	var parsed translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("translator_unavailable: decode response: %w", err)
	}
	if parsed.TranslatedText == "" {
		return "", fmt.Errorf("translator_unavailable: empty translation")
	}
	return parsed.TranslatedText, nil
}

func (t *Translator) translateAI(ctx context.Context, body string) (string, error) {
	if t.ai == nil {
		return "", fmt.Errorf("translator_unavailable: no ai backend configured")
	}
	system := "Translate the user's message to English. Reply with only the translation, no commentary."
	out, err := t.ai.Complete(ctx, system, body, 0.0)
	if err != nil {
		return "", fmt.Errorf("translator_unavailable: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("translator_unavailable: empty translation")
	}
	return out, nil
}

func hasNonLatinLetters(body string) bool {
	for _, r := range body {
		if !unicode.IsLetter(r) {
			continue
		}
		if r > unicode.MaxASCII {
			return true
		}
	}
	return false
}

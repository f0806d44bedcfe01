// Package inference is the remote AI inference client shared by the
// Classifier's AI pass/criteria refinement and the Translator's AI
// backend. Its request/response shape and retry loop are adapted from
// the teacher's core/internal/agent/anthropic.go and provider.go —
// same Anthropic Messages API envelope, same doRequest retry-on-5xx
// pattern — generalized behind a small Client instead of the teacher's
// multi-provider registry, since this system only ever needs one
// inference backend.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.anthropic.com/v1/messages"
const apiVersion = "2023-06-01"

// Timeout is the documented inference call budget (spec.md §5: "30 s for
// inference and translation").
const Timeout = 30 * time.Second

// Client calls the remote inference service.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// New builds a Client. model defaults to a low-cost, low-latency model
// suitable for classification-style short completions.
func New(apiKey, model, baseURL string) *Client {
	if model == "" {
		model = "claude-haiku-4-5"
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: Timeout,
			Transport: &http.Transport{
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type response struct {
	Content []contentBlock `json:"content"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a single-turn completion request with an optional
// system prompt, at low temperature for near-reproducible verdicts
// (spec.md §4.4 step 4), and returns the concatenated text content.
func (c *Client) Complete(ctx context.Context, system, prompt string, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("inference: ai_unavailable: no api key configured")
	}

	body, err := json.Marshal(request{
		Model:       c.model,
		MaxTokens:   256,
		Temperature: temperature,
		System:      system,
		Messages:    []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("inference: marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, body)
	if err != nil {
		return "", fmt.Errorf("inference: ai_unavailable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("inference: ai_unavailable: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference: ai_unavailable: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("inference: ai_unavailable: parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("inference: ai_unavailable: %s", parsed.Error.Message)
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// doRequest posts body with one retry on transport error or 5xx,
// mirroring core/internal/agent/provider.go's doRequest helper.
func (c *Client) doRequest(ctx context.Context, body []byte) (*http.Response, error) {
	const maxRetries = 1
	delay := 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", "application/json")
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", apiVersion)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}
		if resp.StatusCode >= 500 && attempt < maxRetries {
			resp.Body.Close()
			time.Sleep(delay)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// Severity labels a system event in the admin card's title.
// PostAdminEvent posts events of every severity alike.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SystemEvent is a non-message notice destined for the admin webhook:
// startup, sink failures, rate-limit notices (spec.md §4.10).
type SystemEvent struct {
	Severity Severity
	Title    string
	Detail   string
}

const (
	webhookPostTimeout = 15 * time.Second
	maxWebhookAttempts = 5
	webhookBaseDelay   = 2 * time.Second
)

// WebhookSink posts a structured card per significant message to the
// country's webhook URL, and separately relays system events to the
// admin webhook. Cards are shaped as discordgo's exported
// WebhookParams/MessageEmbed — the same payload the teacher's bot sends
// through a live session — but delivered with a direct POST to the
// incoming-webhook URL, since an incoming webhook needs no bot session
// or token of its own.
type WebhookSink struct {
	http *http.Client

	adminURL     string
	adminChannel string

	mu               sync.Mutex
	lastFailureAlert map[string]time.Time // webhook URL -> last alert time
}

// NewWebhookSink builds a WebhookSink. adminURL may be empty, in which
// case system events are dropped rather than posted.
func NewWebhookSink(adminURL, adminChannel string) (*WebhookSink, error) {
	return &WebhookSink{
		http:             &http.Client{Timeout: webhookPostTimeout},
		adminURL:         adminURL,
		adminChannel:     adminChannel,
		lastFailureAlert: make(map[string]time.Time),
	}, nil
}

// PostSignificant sends a card for msg to webhookURL. Only significant
// messages ever reach this call; the Dispatcher enforces that gate.
func (s *WebhookSink) PostSignificant(ctx context.Context, webhookURL, country string, msg model.ProcessedMessage, exclude []string) error {
	embed := &discordgo.MessageEmbed{
		Title:  fmt.Sprintf("%s / %s", country, msg.Raw.Channel),
		Fields: factFields(msg, exclude),
	}
	if msg.WasTranslated {
		embed.Description = msg.TranslatedBody
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "original", Value: truncate(msg.Raw.Body, 1024),
		})
	} else {
		embed.Description = truncate(msg.Raw.Body, 4096)
	}

	params := &discordgo.WebhookParams{
		Username: "chatwatch",
		Embeds:   []*discordgo.MessageEmbed{embed},
	}

	if err := s.postWithRetry(ctx, webhookURL, params); err != nil {
		s.alertOncePerHour(ctx, webhookURL, SeverityWarning, "webhook post failed", err.Error())
		return fmt.Errorf("sink_transient: webhook post: %w", err)
	}
	return nil
}

// PostAdminEvent relays a system event to the admin channel. The sink
// never drops on severity; callers decide what is worth sending.
func (s *WebhookSink) PostAdminEvent(ctx context.Context, event SystemEvent) error {
	if s.adminURL == "" {
		return nil
	}

	params := &discordgo.WebhookParams{
		Username: "chatwatch-admin",
		Embeds: []*discordgo.MessageEmbed{{
			Title:       fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Severity)), event.Title),
			Description: event.Detail,
		}},
	}

	if err := s.postWithRetry(ctx, s.adminURL, params); err != nil {
		return fmt.Errorf("sink_transient: admin webhook post: %w", err)
	}
	return nil
}

// postWithRetry POSTs params as JSON up to maxWebhookAttempts times with
// linearly increasing delay, per spec.md §4.10 ("up to 5 with increasing
// delay").
func (s *WebhookSink) postWithRetry(ctx context.Context, webhookURL string, params *discordgo.WebhookParams) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxWebhookAttempts; attempt++ {
		if err := s.postOnce(ctx, webhookURL, body); err != nil {
			lastErr = err
		} else {
			return nil
		}

		if attempt == maxWebhookAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * webhookBaseDelay):
		}
	}
	return lastErr
}

func (s *WebhookSink) postOnce(ctx context.Context, webhookURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	return nil
}

// alertOncePerHour fires an admin alert for webhookURL at most once per
// hour, per spec.md §7's "admin alert after first failure per hour per
// sink". Failures here are swallowed: alerting is best-effort.
func (s *WebhookSink) alertOncePerHour(ctx context.Context, webhookURL string, severity Severity, title, detail string) {
	s.mu.Lock()
	last, seen := s.lastFailureAlert[webhookURL]
	if seen && time.Since(last) < time.Hour {
		s.mu.Unlock()
		return
	}
	s.lastFailureAlert[webhookURL] = time.Now()
	s.mu.Unlock()

	_ = s.PostAdminEvent(ctx, SystemEvent{Severity: severity, Title: title, Detail: detail})
}

func factFields(msg model.ProcessedMessage, exclude []string) []*discordgo.MessageEmbedField {
	excluded := make(map[string]bool, len(exclude))
	for _, f := range exclude {
		excluded[f] = true
	}

	add := func(fields *[]*discordgo.MessageEmbedField, name, value string) {
		if excluded[name] || value == "" {
			return
		}
		*fields = append(*fields, &discordgo.MessageEmbedField{Name: name, Value: value, Inline: true})
	}

	var fields []*discordgo.MessageEmbedField
	add(&fields, "matched_keywords", strings.Join(msg.MatchedKeywords, ", "))
	add(&fields, "method", string(msg.Method))
	add(&fields, "language", string(msg.Language))
	add(&fields, "author", msg.Raw.AuthorHandle)
	return fields
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

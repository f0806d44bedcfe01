// Package upstream implements the Upstream Adapter (C3): a Telegram
// client that connects once, long-polls in the background, and serves
// cursor-bounded fetches from an in-memory per-channel buffer.
//
// The bot wiring (bot.New, bot.WithDefaultHandler, ctx-driven Start)
// is lifted directly from the teacher's internal/telegram/bot.go. That
// file's Bot exists to route interactive replies to a human operator;
// this adapter repurposes the same long-poll plumbing to a different
// end: buffering channel posts in external-id order so FetchNew can
// serve a cursor-bounded read the way a request/response chat history
// API would, even though go-telegram/bot itself has no such call.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// RateLimitedError carries the upstream's requested backoff, per
// spec.md §7's rate_limited(w) error kind.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream: rate_limited: retry after %s", e.RetryAfter)
}

// ErrAuthRequired signals an invalid or revoked credential, per
// spec.md §7's auth_required kind.
var ErrAuthRequired = errors.New("upstream: auth_required")

const bufferCap = 2000

// rateLimitSleepThreshold is the retry window small enough to just wait
// out in-band rather than surfacing a RateLimitedError up to the fetch
// worker (spec.md §4.3: "a cycle does not abort for a trivially short
// backoff").
const rateLimitSleepThreshold = 60 * time.Second

var retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)

// Adapter is the Telegram-backed Upstream Adapter.
type Adapter struct {
	token string

	mu             sync.Mutex
	tgBot          *bot.Bot
	connected      bool
	cancel         context.CancelFunc
	stopped        chan struct{}
	rateLimitUntil time.Time

	buffersMu sync.Mutex
	buffers   map[string][]model.RawMessage // channel -> messages, ascending by ExternalID
}

// New builds an Adapter for the given bot token. Connect must be
// called before FetchNew returns anything.
func New(token string) *Adapter {
	return &Adapter{
		token:   token,
		buffers: make(map[string][]model.RawMessage),
	}
}

// Connect authenticates and starts long-polling in the background.
// It returns once the bot client is constructed; polling itself runs
// until Disconnect or ctx is cancelled.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}
	if a.token == "" {
		return fmt.Errorf("%w: no bot token configured", ErrAuthRequired)
	}

	tgBot, err := bot.New(a.token,
		bot.WithDefaultHandler(a.handleUpdate),
		bot.WithErrorsHandler(a.handleError),
	)
	if err != nil {
		return fmt.Errorf("upstream: connect: %w", err)
	}
	a.tgBot = tgBot
	a.connected = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.stopped = make(chan struct{})
	go func() {
		defer close(a.stopped)
		tgBot.Start(runCtx)
	}()
	return nil
}

// Disconnect stops long-polling and waits for it to fully exit,
// satisfying sessionguard.Disconnector.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	stopped := a.stopped
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleError watches for the long-poller's "retry after N" 429
// responses and records the backoff window, the way the teacher's bot
// watches for "conflict" in the same callback. FetchNew consults the
// window before the next poll instead of letting go-telegram/bot retry
// silently.
func (a *Adapter) handleError(err error) {
	if err == nil {
		return
	}
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		log.Printf("upstream: telegram: %v", err)
		return
	}
	seconds, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return
	}
	a.mu.Lock()
	a.rateLimitUntil = time.Now().Add(time.Duration(seconds) * time.Second)
	a.mu.Unlock()
	log.Printf("upstream: telegram: rate limited for %ds", seconds)
}

// rateLimitRemaining reports how long the current rate limit window
// (if any) has left to run.
func (a *Adapter) rateLimitRemaining() (time.Duration, bool) {
	a.mu.Lock()
	until := a.rateLimitUntil
	a.mu.Unlock()
	if until.IsZero() {
		return 0, false
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// handleUpdate buffers every channel post keyed by its chat handle.
func (a *Adapter) handleUpdate(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return
	}

	channel := channelHandle(msg.Chat)
	if channel == "" {
		return
	}

	raw := model.RawMessage{
		ExternalID:   int64(msg.ID),
		Channel:      channel,
		AuthoredAt:   time.Unix(int64(msg.Date), 0).UTC(),
		AuthorHandle: authorHandle(msg),
		Body:         messageBody(msg),
		Media:        mediaDescriptor(msg),
		ForwardFrom:  forwardDescriptor(msg),
	}

	a.buffersMu.Lock()
	defer a.buffersMu.Unlock()
	buf := append(a.buffers[channel], raw)
	sort.Slice(buf, func(i, j int) bool { return buf[i].ExternalID < buf[j].ExternalID })
	if len(buf) > bufferCap {
		buf = buf[len(buf)-bufferCap:]
	}
	a.buffers[channel] = buf
}

// FetchNew returns every buffered message for channel with external id
// strictly greater than afterID and authored age within maxAge,
// ascending by external id. It never mutates the cursor itself — the
// caller (the fetch worker) owns that via the Tracking Store.
func (a *Adapter) FetchNew(ctx context.Context, channel string, afterID int64, maxAge time.Duration) ([]model.RawMessage, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("upstream: fetch: %w: not connected", ErrAuthRequired)
	}

	if remaining, limited := a.rateLimitRemaining(); limited {
		if remaining > rateLimitSleepThreshold {
			return nil, &RateLimitedError{RetryAfter: remaining}
		}
		select {
		case <-time.After(remaining):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if remaining, limited := a.rateLimitRemaining(); limited {
			return nil, &RateLimitedError{RetryAfter: remaining}
		}
	}

	a.buffersMu.Lock()
	defer a.buffersMu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var out []model.RawMessage
	for _, msg := range a.buffers[channel] {
		if msg.ExternalID <= afterID {
			continue
		}
		if msg.AuthoredAt.Before(cutoff) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func channelHandle(chat models.Chat) string {
	if chat.Username != "" {
		return "@" + strings.TrimPrefix(chat.Username, "@")
	}
	if chat.Title != "" {
		return chat.Title
	}
	return ""
}

func authorHandle(msg *models.Message) string {
	if msg.From == nil {
		return ""
	}
	if msg.From.Username != "" {
		return "@" + msg.From.Username
	}
	return strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
}

func messageBody(msg *models.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func mediaDescriptor(msg *models.Message) model.MediaDescriptor {
	switch {
	case msg.Voice != nil:
		return model.MediaDescriptor{Present: true, Kind: "voice"}
	case msg.Video != nil:
		return model.MediaDescriptor{Present: true, Kind: "video"}
	case len(msg.Photo) > 0:
		return model.MediaDescriptor{Present: true, Kind: "photo"}
	case msg.Document != nil:
		return model.MediaDescriptor{Present: true, Kind: "document"}
	case msg.Animation != nil:
		return model.MediaDescriptor{Present: true, Kind: "animation"}
	case msg.Sticker != nil:
		return model.MediaDescriptor{Present: true, Kind: "sticker"}
	default:
		return model.MediaDescriptor{}
	}
}

// forwardDescriptor reads the flattened MessageOrigin the library
// reports for Bot API 7.0+ forwards: whichever of SenderUser/SenderChat/
// Chat is populated identifies the original source.
func forwardDescriptor(msg *models.Message) model.ForwardDescriptor {
	origin := msg.ForwardOrigin
	if origin == nil {
		return model.ForwardDescriptor{}
	}
	switch {
	case origin.SenderUser != nil:
		handle := origin.SenderUser.Username
		if handle == "" {
			handle = strings.TrimSpace(origin.SenderUser.FirstName + " " + origin.SenderUser.LastName)
		}
		return model.ForwardDescriptor{Forwarded: true, FromHandle: handle}
	case origin.SenderUserName != "":
		return model.ForwardDescriptor{Forwarded: true, FromHandle: origin.SenderUserName}
	case origin.SenderChat != nil:
		return model.ForwardDescriptor{Forwarded: true, FromHandle: channelHandle(*origin.SenderChat)}
	case origin.Chat != nil:
		return model.ForwardDescriptor{Forwarded: true, FromHandle: channelHandle(*origin.Chat)}
	default:
		return model.ForwardDescriptor{Forwarded: true}
	}
}

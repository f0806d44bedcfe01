// Package app wires the message fabric's components into the three
// operational modes spec.md §6 names: test, historical, monitor.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"

	"github.com/igoryan-dao/chatwatch/internal/classifier"
	"github.com/igoryan-dao/chatwatch/internal/config"
	"github.com/igoryan-dao/chatwatch/internal/dispatcher"
	"github.com/igoryan-dao/chatwatch/internal/inference"
	"github.com/igoryan-dao/chatwatch/internal/model"
	"github.com/igoryan-dao/chatwatch/internal/scheduler"
	"github.com/igoryan-dao/chatwatch/internal/sessionguard"
	"github.com/igoryan-dao/chatwatch/internal/sink"
	"github.com/igoryan-dao/chatwatch/internal/taskbus"
	"github.com/igoryan-dao/chatwatch/internal/tracking"
	"github.com/igoryan-dao/chatwatch/internal/translator"
	"github.com/igoryan-dao/chatwatch/internal/upstream"
)

// retentionWindow is how far back cleanupSinkHistory keeps workbook
// rows, per spec.md §4.7's default.
const retentionWindow = 3 * 24 * time.Hour

// rateLimitAlertInterval caps the admin rate-limit notice to once per
// hour, matching the webhook sink's own per-sink alert cadence.
const rateLimitAlertInterval = time.Hour

// App holds every constructed component and the per-country partitions
// derived from configuration.
type App struct {
	doc *config.Document

	tracking   *tracking.Store
	guard      *sessionguard.Guard
	upstream   *upstream.Adapter
	classifier *classifier.Classifier
	translator *translator.Translator
	bus        *taskbus.Bus
	scheduler  *scheduler.Scheduler

	csv      *sink.CSVSink
	workbook *sink.WorkbookSink
	webhook  *sink.WebhookSink

	dispatcher *dispatcher.Dispatcher

	countries map[string]model.CountryPartition

	rateLimitAlertMu   sync.Mutex
	lastRateLimitAlert time.Time
}

// Build constructs every component from doc. It does not perform any
// network I/O itself; Connect/Run do.
func Build(doc *config.Document) (*App, error) {
	store, err := tracking.New(doc.Cache.RedisURL, 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config_invalid: %w", err)
	}

	guard := sessionguard.New(doc.Upstream.SessionFile, defaultPIDDir())

	adapter := upstream.New(doc.Upstream.BotToken)

	// infClient is kept as a concrete *inference.Client and only assigned
	// into the translator/classifier interface variables when present:
	// storing a nil *inference.Client directly in an interface variable
	// would make that interface compare != nil despite holding no
	// usable client, defeating the "no AI configured" degrade path.
	var infClient *inference.Client
	if doc.Inference.APIKey != "" {
		infClient = inference.New(doc.Inference.APIKey, doc.Inference.Model, doc.Inference.BaseURL)
	}
	var translatorAI translator.AIClient
	var classifierAI classifier.AIClient
	if infClient != nil {
		translatorAI = infClient
		classifierAI = infClient
	}

	tr := translator.New(doc.Translation.FreeBackendURL, translatorAI)
	cl := classifier.New(classifierAI, tr)

	redisOpts, err := redis.ParseURL(doc.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("config_invalid: parse redis url: %w", err)
	}
	bus := taskbus.New(redis.NewClient(redisOpts), time.Hour)

	schema := doc.Schema()
	csvSink := sink.NewCSVSink(schema)
	workbookClient := sink.NewHTTPWorkbookClient(doc.WorkbookAPI.BaseURL, doc.WorkbookAPI.APIKey)
	workbookSink := sink.NewWorkbookSink(workbookClient, schema)
	webhookSink, err := sink.NewWebhookSink(doc.Admin.WebhookURL, doc.Admin.ChannelName)
	if err != nil {
		return nil, fmt.Errorf("config_invalid: %w", err)
	}

	disp := dispatcher.New(bus, store)

	countries := make(map[string]model.CountryPartition, len(doc.Countries))
	for id, raw := range doc.Countries {
		countries[id] = config.Build(id, raw, doc.WorkbookExcludedFields, doc.WebhookExcludedFields)
	}

	return &App{
		doc:        doc,
		tracking:   store,
		guard:      guard,
		upstream:   adapter,
		classifier: cl,
		translator: tr,
		bus:        bus,
		scheduler:  scheduler.New(nil),
		csv:        csvSink,
		workbook:   workbookSink,
		webhook:    webhookSink,
		dispatcher: disp,
		countries:  countries,
	}, nil
}

func defaultPIDDir() string {
	return "/tmp/chatwatch-workers"
}

// RunTest validates external reachability without mutating any durable
// state: tracking cache, upstream session acquisition, and (if
// configured) the admin webhook. Returns an error describing the first
// unreachable dependency.
func (a *App) RunTest(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, _, err := a.tracking.GetCursor(ctx, "__healthcheck__"); err != nil {
		return fmt.Errorf("transient_network: tracking store unreachable: %w", err)
	}

	h, err := a.guard.Acquire(ctx, "test")
	if err != nil {
		return fmt.Errorf("session_conflict: %w", err)
	}
	defer h.Release(ctx)

	if err := a.upstream.Connect(ctx); err != nil {
		return fmt.Errorf("auth_required: upstream unreachable: %w", err)
	}
	defer a.upstream.Disconnect(ctx)

	if a.doc.Admin.WebhookURL != "" {
		if err := a.webhook.PostAdminEvent(ctx, sink.SystemEvent{
			Severity: sink.SeverityInfo, Title: "test", Detail: "connectivity check",
		}); err != nil {
			return fmt.Errorf("sink_transient: admin webhook unreachable: %w", err)
		}
	}

	log.Printf("test: all external dependencies reachable")
	return nil
}

// RunHistorical performs one bounded back-fill cycle per channel, each
// capped at limit messages, then returns. It reuses the same fetch
// path monitor mode drives on a timer, so it registers the same sink
// queues monitor mode would before running a cycle.
func (a *App) RunHistorical(ctx context.Context, limit int) error {
	if err := a.guard.RegisterPID("worker"); err != nil {
		log.Printf("historical: register pid: %v", err)
	}
	defer func() {
		if err := a.guard.UnregisterPID(); err != nil {
			log.Printf("historical: unregister pid: %v", err)
		}
	}()

	return a.guard.With(ctx, "worker", a.upstream, func(h *sessionguard.Handle) error {
		a.registerQueues(ctx)
		if err := a.upstream.Connect(ctx); err != nil {
			return fmt.Errorf("auth_required: %w", err)
		}
		return a.fetchAllOnce(ctx, limit)
	})
}

// RunMonitor starts the Task Bus workers and the Scheduler and blocks
// until ctx is cancelled (typically by a shutdown signal), then drains
// in-flight work up to a grace window before releasing the session.
func (a *App) RunMonitor(ctx context.Context) error {
	if err := a.guard.RegisterPID("worker"); err != nil {
		log.Printf("monitor: register pid: %v", err)
	}
	defer func() {
		if err := a.guard.UnregisterPID(); err != nil {
			log.Printf("monitor: unregister pid: %v", err)
		}
	}()

	a.registerQueues(ctx)
	a.bus.OnTaskError(func(queue string, err error) {
		log.Printf("taskbus: %s: task failed permanently: %v", queue, err)
		_ = a.webhook.PostAdminEvent(context.Background(), sink.SystemEvent{
			Severity: sink.SeverityWarning, Title: "task failed", Detail: fmt.Sprintf("%s: %v", queue, err),
		})
	})

	triggers := scheduler.DefaultTriggers(
		a.doc.FetchInterval(),
		func(ctx context.Context) { a.enqueueFetch(ctx) },
		func(ctx context.Context) { a.cleanupCache(ctx) },
		func(ctx context.Context) { a.cleanupSinkHistory(ctx) },
		func(ctx context.Context) { a.healthPing(ctx) },
	)
	a.scheduler = scheduler.New(triggers)

	return a.guard.With(ctx, "worker", a.upstream, func(h *sessionguard.Handle) error {
		if err := a.upstream.Connect(ctx); err != nil {
			return fmt.Errorf("auth_required: %w", err)
		}
		a.scheduler.Start(ctx)

		<-ctx.Done()

		a.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.bus.Shutdown(shutdownCtx)
	})
}

// registerQueues declares the csv/workbook/webhook queues the
// Dispatcher's task payloads target, sized from doc.Queues rather than
// a hardcoded table, so configured concurrency and retry tuning takes
// effect (see queueConfig for the settings that are not applied).
func (a *App) registerQueues(ctx context.Context) {
	a.bus.Register(ctx, dispatcher.QueueCSV, a.queueConfig(dispatcher.QueueCSV), a.handleCSVTask)
	a.bus.Register(ctx, dispatcher.QueueWorkbook, a.queueConfig(dispatcher.QueueWorkbook), a.handleWorkbookTask)
	a.bus.Register(ctx, dispatcher.QueueWebhook, a.queueConfig(dispatcher.QueueWebhook), a.handleWebhookTask)
}

// queueConfig translates one YAML-configured queue's tuning into the
// Task Bus's shape, falling back to spec.md §4.6's table if the queue
// was never named in configuration (applyDefaults normally guarantees
// it always is). Only concurrency and the retry policy are carried
// over; the configured task time limit, prefetch multiplier and result
// TTL are not applied, and tasks run with no per-task deadline.
func (a *App) queueConfig(name string) taskbus.QueueConfig {
	tuning, ok := a.doc.Queues[name]
	if !ok {
		return taskbus.DefaultQueues()[name]
	}
	return taskbus.QueueConfig{
		Concurrency: tuning.Concurrency,
		Retry: taskbus.RetryPolicy{
			MaxAttempts: tuning.MaxRetries,
			BaseDelay:   tuning.BaseDelay,
			Backoff:     tuning.Backoff,
		},
	}
}

func (a *App) handleCSVTask(ctx context.Context, payload []byte) error {
	var task dispatcher.CSVTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode csv task: %w", err)
	}
	return a.csv.Append(task.Dir, task.Country, task.Sheet, task.Msg)
}

func (a *App) handleWorkbookTask(ctx context.Context, payload []byte) error {
	var task dispatcher.WorkbookTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode workbook task: %w", err)
	}
	return a.workbook.Append(ctx, task.Country, task.Binding, task.Sheet, task.Msg, task.Exclude)
}

func (a *App) handleWebhookTask(ctx context.Context, payload []byte) error {
	var task dispatcher.WebhookTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("decode webhook task: %w", err)
	}
	return a.webhook.PostSignificant(ctx, task.WebhookURL, task.Country, task.Msg, task.Exclude)
}

func (a *App) enqueueFetch(ctx context.Context) {
	if err := a.fetchAllOnce(ctx, a.doc.Fetch.FetchMessageLimit); err != nil {
		var rl *upstream.RateLimitedError
		if errors.As(err, &rl) {
			a.handleRateLimit(ctx, rl)
			return
		}
		log.Printf("scheduler: fetch_all: %v", err)
	}
}

// handleRateLimit suppresses the fetch_all trigger until the upstream's
// requested backoff elapses and raises a deduplicated admin alert, per
// spec.md §4.3 and §7's rate_limited handling.
func (a *App) handleRateLimit(ctx context.Context, rl *upstream.RateLimitedError) {
	deadline := time.Now().Add(rl.RetryAfter)
	a.scheduler.SuppressUntil("fetch_all", deadline)
	log.Printf("fetch: rate_limited(%s), suppressing fetch_all until %s", rl.RetryAfter, deadline.Format(time.RFC3339))

	a.rateLimitAlertMu.Lock()
	shouldAlert := time.Since(a.lastRateLimitAlert) > rateLimitAlertInterval
	if shouldAlert {
		a.lastRateLimitAlert = time.Now()
	}
	a.rateLimitAlertMu.Unlock()
	if !shouldAlert {
		return
	}

	if err := a.webhook.PostAdminEvent(ctx, sink.SystemEvent{
		Severity: sink.SeverityWarning,
		Title:    "upstream rate limited",
		Detail:   fmt.Sprintf("fetch_all suppressed until %s", deadline.Format(time.RFC3339)),
	}); err != nil {
		log.Printf("fetch: admin alert for rate limit failed: %v", err)
	}
}

// cursorResolution is cursorFor's answer: either a real cursor to fetch
// strictly after, or a conservative instruction to fall back to narrow
// time-based admission because no cursor could be recovered at all.
type cursorResolution struct {
	cursor       int64
	conservative bool
}

// cursorFor resolves the admission cursor for one channel per spec.md
// §4.1: prefer the Tracking Store, fall back to scanning the country's
// CSV backups for the channel's highest seen external id, and only then
// fall back to conservative time-based admission. When the Tracking
// Store is unreachable, it goes straight to conservative admission.
func (a *App) cursorFor(ctx context.Context, country model.CountryPartition, ch model.Channel) cursorResolution {
	cursor, ok, err := a.tracking.GetCursor(ctx, ch.Handle)
	if err == nil && ok {
		return cursorResolution{cursor: cursor}
	}
	if err != nil {
		log.Printf("fetch: %s: cursor store unavailable, falling back to conservative time-based admission: %v", ch.Handle, err)
		return cursorResolution{conservative: true}
	}

	paths := []string{
		sink.CSVPath(country.CSVDir, country.ID, "significant"),
		sink.CSVPath(country.CSVDir, country.ID, "trivial"),
	}
	if maxID, found, csvErr := tracking.ColdStartFromCSV(paths, ch.Handle); csvErr != nil {
		log.Printf("fetch: %s: cold start CSV scan failed: %v", ch.Handle, csvErr)
	} else if found {
		log.Printf("fetch: %s: cold start recovered cursor %d from CSV backup", ch.Handle, maxID)
		return cursorResolution{cursor: maxID}
	}

	log.Printf("fetch: %s: no cursor and no CSV history, falling back to conservative time-based admission", ch.Handle)
	return cursorResolution{conservative: true}
}

// fetchAllOnce walks every channel across every country, pulling new
// messages since its admission cursor and handing each to the
// classify-translate-dispatch pipeline. A rate-limited fetch aborts the
// whole cycle immediately so the caller can suppress the trigger;
// every other per-channel failure is aggregated and the cycle
// continues to the next channel.
func (a *App) fetchAllOnce(ctx context.Context, limit int) error {
	maxAge := a.doc.MaxMessageAge()
	var result *multierror.Error

	for _, country := range a.countries {
		for _, ch := range country.Channels {
			res := a.cursorFor(ctx, country, ch)
			channelMaxAge := maxAge
			channelLimit := limit
			if res.conservative {
				// No cursor and no cold-start history: admit only what
				// could plausibly have arrived since the last tick,
				// capped at the configured fetch batch size, so a fresh
				// deployment never floods every sink with history.
				channelMaxAge = a.doc.FetchInterval() + 30*time.Second
				channelLimit = a.doc.Fetch.FetchMessageLimit
			}

			msgs, err := a.upstream.FetchNew(ctx, ch.Handle, res.cursor, channelMaxAge)
			if err != nil {
				var rl *upstream.RateLimitedError
				if errors.As(err, &rl) {
					return rl
				}
				result = multierror.Append(result, fmt.Errorf("%s: fetch: %w", ch.Handle, err))
				continue
			}
			if channelLimit > 0 && len(msgs) > channelLimit {
				msgs = msgs[:channelLimit]
			}

			for _, raw := range msgs {
				a.processOne(ctx, country, raw)
			}
		}
	}
	return result.ErrorOrNil()
}

// processOne runs one message through the Classifier/Translator and
// hands the result to the Dispatcher. Failures are logged, never
// propagated: one bad message must not stall the fetch cycle.
func (a *App) processOne(ctx context.Context, country model.CountryPartition, raw model.RawMessage) {
	seen, err := a.tracking.IsSeen(ctx, raw.Channel, raw.ExternalID)
	if err == nil && seen {
		return
	}

	outcome := a.classifier.Classify(ctx, raw.Body, country.Policy)

	wantsTranslation := outcome.Language != model.LanguageEnglish &&
		(outcome.Verdict == model.VerdictSignificant || country.Policy.TranslateTrivial)

	var translated string
	var wasTranslated bool
	if wantsTranslation {
		res := a.translator.Translate(ctx, raw.Body, outcome.Language, country.Policy.UseAIForTranslation)
		translated, wasTranslated = res.Text, res.WasTranslated
	} else {
		translated = raw.Body
	}

	msg := model.ProcessedMessage{
		Raw:             raw,
		CountryID:       country.ID,
		Language:        outcome.Language,
		TranslatedBody:  translated,
		WasTranslated:   wasTranslated,
		Verdict:         outcome.Verdict,
		MatchedKeywords: outcome.MatchedKeywords,
		Method:          outcome.Method,
		Reasoning:       outcome.Reasoning,
		ProcessedAt:     time.Now().UTC(),
	}

	if err := a.dispatcher.Dispatch(ctx, country, country.CSVDir, msg); err != nil {
		log.Printf("dispatch: %s/%d: %v", raw.Channel, raw.ExternalID, err)
		return
	}
	_ = a.tracking.MarkSeen(ctx, raw.Channel, raw.ExternalID)
}

func (a *App) cleanupCache(ctx context.Context) {
	log.Printf("maintenance: cleanup_cache tick (TTL-based expiry handles purge)")
}

// cleanupSinkHistory purges workbook rows older than the retention
// window from every country's workbook, per spec.md §4.7. CSV files are
// never touched: they are the ground-truth archive.
func (a *App) cleanupSinkHistory(ctx context.Context) {
	cutoff := time.Now().Add(-retentionWindow)
	var result *multierror.Error
	for id, country := range a.countries {
		if err := a.workbook.PurgeOlderThan(ctx, id, country.Workbook, cutoff); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", id, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.Printf("maintenance: cleanup_sink_history: %v", err)
	}
}

func (a *App) healthPing(ctx context.Context) {
	if _, _, err := a.tracking.GetCursor(ctx, "__healthcheck__"); err != nil {
		log.Printf("health_ping: tracking store unreachable: %v", err)
	}
}

// Package dispatcher implements the Dispatcher (C11): the decision
// table that turns one classified message into zero or more sink
// tasks, enqueues them on the Task Bus with independent retry
// envelopes, and advances the Tracking Store cursor once the Task Bus
// has accepted every task — not once they succeed, per spec.md §4.11.
//
// Each sink task is a JSON payload, not a closure: the Task Bus's
// queues are Redis-backed, so a task must be able to outlive the
// process that enqueued it. The payload types below are exactly what a
// queue's registered Handler needs to replay the sink call after a
// restart.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/igoryan-dao/chatwatch/internal/model"
	"github.com/igoryan-dao/chatwatch/internal/taskbus"
)

// Queue names, shared with whatever registers this package's task
// payloads as Task Bus handlers.
const (
	QueueCSV      = "csv"
	QueueWorkbook = "workbook"
	QueueWebhook  = "webhook"
)

// CursorStore is the subset of the Tracking Store the Dispatcher needs.
type CursorStore interface {
	SetCursor(ctx context.Context, channel string, externalID int64) error
}

// CSVTask is the csv queue's payload.
type CSVTask struct {
	Dir     string
	Country string
	Sheet   string
	Msg     model.ProcessedMessage
}

// WorkbookTask is the workbook queue's payload.
type WorkbookTask struct {
	Country string
	Binding model.WorkbookBinding
	Sheet   string
	Msg     model.ProcessedMessage
	Exclude []string
}

// WebhookTask is the webhook queue's payload.
type WebhookTask struct {
	WebhookURL string
	Country    string
	Msg        model.ProcessedMessage
	Exclude    []string
}

// Dispatcher wires a classified ProcessedMessage to its sinks by
// enqueueing a payload per sink onto the Task Bus. It holds no sink
// references itself; the sinks live behind the handlers registered for
// the csv/workbook/webhook queues.
type Dispatcher struct {
	bus    *taskbus.Bus
	cursor CursorStore
}

// New builds a Dispatcher over the given Task Bus and cursor store.
func New(bus *taskbus.Bus, cursor CursorStore) *Dispatcher {
	return &Dispatcher{bus: bus, cursor: cursor}
}

// sheetFor maps a verdict to the sheet/file suffix every sink shares:
// "significant" or "trivial". excluded verdicts never reach sheetFor.
func sheetFor(verdict model.Verdict) string {
	if verdict == model.VerdictSignificant {
		return "significant"
	}
	return "trivial"
}

// Dispatch runs the decision table from spec.md §4.11 for one message
// and returns once the Task Bus has accepted (not completed) every
// non-dropped sink task, at which point it advances the cursor.
//
// excluded messages are dropped from every sink and still advance the
// cursor: the cursor tracks what has been *seen*, not what was kept.
// The three sink enqueues are independent of each other, so a failure
// enqueueing one does not prevent the others from being attempted; all
// failures are aggregated into one returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, country model.CountryPartition, csvDir string, msg model.ProcessedMessage) error {
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	var result *multierror.Error
	if msg.Verdict != model.VerdictExcluded {
		sheet := sheetFor(msg.Verdict)

		if err := d.enqueueCSV(ctx, country.ID, csvDir, sheet, msg); err != nil {
			result = multierror.Append(result, err)
		}
		if err := d.enqueueWorkbook(ctx, country, sheet, msg); err != nil {
			result = multierror.Append(result, err)
		}
		if msg.Verdict == model.VerdictSignificant {
			if err := d.enqueueWebhook(ctx, country, msg); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("dispatcher: fan-out: %w", err)
	}

	if d.cursor != nil {
		if err := d.cursor.SetCursor(ctx, msg.Raw.Channel, msg.Raw.ExternalID); err != nil {
			return fmt.Errorf("dispatcher: cursor update: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) enqueueCSV(ctx context.Context, countryID, csvDir, sheet string, msg model.ProcessedMessage) error {
	payload, err := json.Marshal(CSVTask{Dir: csvDir, Country: countryID, Sheet: sheet, Msg: msg})
	if err != nil {
		return fmt.Errorf("encode csv task: %w", err)
	}
	key := taskKey(msg.Raw.Channel, msg.Raw.ExternalID, QueueCSV)
	return d.enqueue(ctx, QueueCSV, key, payload)
}

func (d *Dispatcher) enqueueWorkbook(ctx context.Context, country model.CountryPartition, sheet string, msg model.ProcessedMessage) error {
	payload, err := json.Marshal(WorkbookTask{
		Country: country.ID,
		Binding: country.Workbook,
		Sheet:   sheet,
		Msg:     msg,
		Exclude: country.WorkbookExcludedFields,
	})
	if err != nil {
		return fmt.Errorf("encode workbook task: %w", err)
	}
	key := taskKey(msg.Raw.Channel, msg.Raw.ExternalID, QueueWorkbook)
	return d.enqueue(ctx, QueueWorkbook, key, payload)
}

func (d *Dispatcher) enqueueWebhook(ctx context.Context, country model.CountryPartition, msg model.ProcessedMessage) error {
	if country.WebhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(WebhookTask{
		WebhookURL: country.WebhookURL,
		Country:    country.ID,
		Msg:        msg,
		Exclude:    country.WebhookExcludedFields,
	})
	if err != nil {
		return fmt.Errorf("encode webhook task: %w", err)
	}
	key := taskKey(msg.Raw.Channel, msg.Raw.ExternalID, QueueWebhook)
	return d.enqueue(ctx, QueueWebhook, key, payload)
}

// enqueue submits a task and treats taskbus.ErrDuplicate as acceptance:
// spec.md §7's dedup_hit policy is "drop the task silently as success".
func (d *Dispatcher) enqueue(ctx context.Context, queue, key string, payload []byte) error {
	err := d.bus.Enqueue(ctx, taskbus.Task{Queue: queue, Key: key, Payload: payload})
	if err == nil || err == taskbus.ErrDuplicate {
		return nil
	}
	return fmt.Errorf("enqueue %s: %w", queue, err)
}

// taskKey derives the stable idempotency key spec.md §4.6 requires:
// (channel, external_id, sink).
func taskKey(channel string, externalID int64, sink string) string {
	return fmt.Sprintf("%s:%d:%s", channel, externalID, sink)
}

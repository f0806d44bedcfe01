package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// WorkbookError is the dedicated error kind spec.md §4.8 requires: the
// Task Bus retries it with its own backoff. This package raises no
// admin alert for it.
type WorkbookError struct {
	Op  string
	Err error
}

func (e *WorkbookError) Error() string {
	return fmt.Sprintf("sink_transient: workbook %s: %v", e.Op, e.Err)
}

func (e *WorkbookError) Unwrap() error { return e.Err }

const (
	sessionRetries   = 3
	sessionTimeout   = 45 * time.Second
	operationTimeout = 30 * time.Second
)

// WorkbookClient is the minimal remote-workbook surface the sink needs:
// a session token good for used-range reads and row writes, the way a
// Graph-API-shaped spreadsheet backend exposes worksheet operations
// scoped to a session. Requests that return a 401 are expected to
// invalidate the session on the remote side.
type WorkbookClient interface {
	// CreateSession opens a writable session against site/folder/filename
	// and returns an opaque session id, validated by a lightweight
	// metadata read (spec.md §4.8 step 1).
	CreateSession(ctx context.Context, site, folder, filename string) (sessionID string, err error)
	// UsedRowCount returns the sheet's used-range row count. A freshly
	// created sheet reports 0 or 1 (spec.md treats rowCount<=1 as empty).
	UsedRowCount(ctx context.Context, sessionID, sheet string) (int, error)
	// WriteRow writes one row at the given 1-indexed row number.
	WriteRow(ctx context.Context, sessionID, sheet string, row int, values []string) error
	// DeleteRowsBefore removes every row on sheet whose processed_at
	// column predates cutoff, returning the count removed. Used by the
	// retention sweep (spec.md §4.7) to keep the workbook bounded.
	DeleteRowsBefore(ctx context.Context, sessionID, sheet string, cutoff time.Time) (int, error)
}

// httpWorkbookClient is the default WorkbookClient, talking to a
// Graph-API-shaped HTTP backend. Each call sends one request and
// returns a non-2xx status as an error; it does not retry on 5xx.
type httpWorkbookClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPWorkbookClient builds a WorkbookClient against baseURL, sending
// apiKey as a bearer token on every request.
func NewHTTPWorkbookClient(baseURL, apiKey string) WorkbookClient {
	return &httpWorkbookClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: operationTimeout},
	}
}

func (c *httpWorkbookClient) CreateSession(ctx context.Context, site, folder, filename string) (string, error) {
	reqBody, _ := json.Marshal(map[string]string{
		"site": site, "folder": folder, "filename": filename, "persistChanges": "true",
	})
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/createSession", "", reqBody, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *httpWorkbookClient) UsedRowCount(ctx context.Context, sessionID, sheet string) (int, error) {
	var out struct {
		RowCount int `json:"rowCount"`
	}
	path := fmt.Sprintf("/worksheets/%s/usedRange", sheet)
	if err := c.do(ctx, http.MethodGet, path, sessionID, nil, &out); err != nil {
		return 0, err
	}
	return out.RowCount, nil
}

func (c *httpWorkbookClient) WriteRow(ctx context.Context, sessionID, sheet string, row int, values []string) error {
	reqBody, _ := json.Marshal(map[string]any{"row": row, "values": values})
	path := fmt.Sprintf("/worksheets/%s/rows", sheet)
	return c.do(ctx, http.MethodPatch, path, sessionID, reqBody, nil)
}

func (c *httpWorkbookClient) DeleteRowsBefore(ctx context.Context, sessionID, sheet string, cutoff time.Time) (int, error) {
	reqBody, _ := json.Marshal(map[string]string{"before": cutoff.UTC().Format(time.RFC3339)})
	var out struct {
		Deleted int `json:"deletedCount"`
	}
	path := fmt.Sprintf("/worksheets/%s/rows", sheet)
	if err := c.do(ctx, http.MethodDelete, path, sessionID, reqBody, &out); err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// httpStatusError carries the response status so callers can detect 401
// without string-matching the error text.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("http status %d", e.status) }

func (c *httpWorkbookClient) do(ctx context.Context, method, path, sessionID string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("workbook-session-id", sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return &httpStatusError{status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// WorkbookSink appends processed messages to one of two named sheets
// per spec.md §4.8: Significant or Trivial. It owns a single session
// per country, reacquiring on a 401 per the session/bootstrap protocol.
type WorkbookSink struct {
	client WorkbookClient
	schema model.Schema

	mu       sync.Mutex
	sessions map[string]string // country -> sessionID

	headerWritten   map[string]bool // country/sheet -> bootstrapped this process
	headerWrittenMu sync.Mutex
}

// NewWorkbookSink builds a WorkbookSink projecting rows through schema
// minus each country's workbook-exclusion list.
func NewWorkbookSink(client WorkbookClient, schema model.Schema) *WorkbookSink {
	return &WorkbookSink{
		client:        client,
		schema:        schema,
		sessions:      make(map[string]string),
		headerWritten: make(map[string]bool),
	}
}

// Append writes msg to binding's Significant or Trivial sheet, retrying
// the session once on a 401 per spec.md §4.8 step 5.
func (s *WorkbookSink) Append(ctx context.Context, country string, binding model.WorkbookBinding, sheetKind string, msg model.ProcessedMessage, exclude []string) error {
	sheet := binding.SignificantSheet
	if sheetKind == "trivial" {
		sheet = binding.TrivialSheet
	}

	row := model.Project(s.schema, msg, exclude)
	labels := model.VisibleFields(s.schema, exclude)

	for attempt := 0; attempt < 2; attempt++ {
		sessionID, err := s.sessionFor(ctx, country, binding)
		if err != nil {
			return &WorkbookError{Op: "session", Err: err}
		}

		err = s.writeLocked(ctx, country, sessionID, sheet, labels, row.Fields)
		if err == nil {
			return nil
		}

		var statusErr *httpStatusError
		if asHTTPStatus(err, &statusErr) && statusErr.status == http.StatusUnauthorized {
			s.mu.Lock()
			delete(s.sessions, country)
			s.mu.Unlock()
			continue
		}
		return &WorkbookError{Op: "write", Err: err}
	}
	return &WorkbookError{Op: "write", Err: fmt.Errorf("session expired twice")}
}

func asHTTPStatus(err error, target **httpStatusError) bool {
	se, ok := err.(*httpStatusError)
	if !ok {
		return false
	}
	*target = se
	return true
}

// sessionFor returns the cached session for country, acquiring one with
// up to sessionRetries attempts if absent.
func (s *WorkbookSink) sessionFor(ctx context.Context, country string, binding model.WorkbookBinding) (string, error) {
	s.mu.Lock()
	if id, ok := s.sessions[country]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < sessionRetries; attempt++ {
		sessCtx, cancel := context.WithTimeout(ctx, sessionTimeout)
		id, err := s.client.CreateSession(sessCtx, binding.Site, binding.Folder, binding.Filename)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.sessions[country] = id
			s.mu.Unlock()
			return id, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// writeLocked runs the bootstrap-then-append protocol for one row.
func (s *WorkbookSink) writeLocked(ctx context.Context, country, sessionID, sheet string, labels, values []string) error {
	opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	rowCount, err := s.client.UsedRowCount(opCtx, sessionID, sheet)
	if err != nil {
		return err
	}

	key := country + "/" + sheet
	empty := rowCount <= 1

	s.headerWrittenMu.Lock()
	needsHeader := empty && !s.headerWritten[key]
	s.headerWrittenMu.Unlock()

	if needsHeader {
		if err := s.client.WriteRow(opCtx, sessionID, sheet, 1, labels); err != nil {
			return err
		}
		s.headerWrittenMu.Lock()
		s.headerWritten[key] = true
		s.headerWrittenMu.Unlock()
	}

	nextRow := rowCount + 1
	if empty {
		nextRow = 2
	}
	return s.client.WriteRow(opCtx, sessionID, sheet, nextRow, values)
}

// PurgeOlderThan deletes every row older than cutoff from both of
// binding's sheets, part of the retention sweep spec.md §4.7 requires.
// The two sheets are independent operations; a failure on one does not
// prevent the other from being attempted.
func (s *WorkbookSink) PurgeOlderThan(ctx context.Context, country string, binding model.WorkbookBinding, cutoff time.Time) error {
	sessionID, err := s.sessionFor(ctx, country, binding)
	if err != nil {
		return &WorkbookError{Op: "session", Err: err}
	}

	var result *multierror.Error
	for _, sheet := range []string{binding.SignificantSheet, binding.TrivialSheet} {
		opCtx, cancel := context.WithTimeout(ctx, operationTimeout)
		_, err := s.client.DeleteRowsBefore(opCtx, sessionID, sheet, cutoff)
		cancel()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("purge %s: %w", sheet, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return &WorkbookError{Op: "purge", Err: err}
	}
	return nil
}

package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

type fakeWorkbookClient struct {
	mu sync.Mutex

	sessionCalls int
	sessionErr   error
	nextSession  int

	rowCounts map[string]int // sheet -> rowCount
	writes    []fakeWrite
	deletes   []fakeDelete

	unauthorizeFirstWrite bool
	usedUnauthorize       bool
	deleteErr             error
}

type fakeDelete struct {
	sessionID string
	sheet     string
	cutoff    time.Time
}

type fakeWrite struct {
	sessionID string
	sheet     string
	row       int
	values    []string
}

func newFakeWorkbookClient() *fakeWorkbookClient {
	return &fakeWorkbookClient{rowCounts: make(map[string]int)}
}

func (c *fakeWorkbookClient) CreateSession(ctx context.Context, site, folder, filename string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCalls++
	if c.sessionErr != nil {
		return "", c.sessionErr
	}
	c.nextSession++
	return "sess-" + string(rune('0'+c.nextSession)), nil
}

func (c *fakeWorkbookClient) UsedRowCount(ctx context.Context, sessionID, sheet string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rowCounts[sheet], nil
}

func (c *fakeWorkbookClient) WriteRow(ctx context.Context, sessionID, sheet string, row int, values []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unauthorizeFirstWrite && !c.usedUnauthorize {
		c.usedUnauthorize = true
		return &httpStatusError{status: 401}
	}

	c.writes = append(c.writes, fakeWrite{sessionID: sessionID, sheet: sheet, row: row, values: values})
	if row >= c.rowCounts[sheet] {
		c.rowCounts[sheet] = row
	}
	return nil
}

func (c *fakeWorkbookClient) DeleteRowsBefore(ctx context.Context, sessionID, sheet string, cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return 0, c.deleteErr
	}
	c.deletes = append(c.deletes, fakeDelete{sessionID: sessionID, sheet: sheet, cutoff: cutoff})
	return 1, nil
}

func testBinding() model.WorkbookBinding {
	return model.WorkbookBinding{
		Site: "s", Folder: "f", Filename: "book.xlsx",
		SignificantSheet: "Significant", TrivialSheet: "Trivial",
	}
}

func TestWorkbookSink_BootstrapsHeaderOnEmptySheet(t *testing.T) {
	client := newFakeWorkbookClient()
	s := NewWorkbookSink(client, model.DefaultSchema())

	err := s.Append(context.Background(), "eg", testBinding(), "significant", sampleMessage(1), nil)
	require.NoError(t, err)

	require.Len(t, client.writes, 2)
	assert.Equal(t, 1, client.writes[0].row)
	assert.Equal(t, model.DefaultSchema().Fields, client.writes[0].values)
	assert.Equal(t, 2, client.writes[1].row)
}

func TestWorkbookSink_SkipsHeaderOnSubsequentAppends(t *testing.T) {
	client := newFakeWorkbookClient()
	s := NewWorkbookSink(client, model.DefaultSchema())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "eg", testBinding(), "trivial", sampleMessage(1), nil))
	require.NoError(t, s.Append(ctx, "eg", testBinding(), "trivial", sampleMessage(2), nil))

	require.Len(t, client.writes, 3) // header + 2 data rows
	assert.Equal(t, 3, client.writes[2].row)
}

func TestWorkbookSink_ReusesSessionAcrossAppends(t *testing.T) {
	client := newFakeWorkbookClient()
	s := NewWorkbookSink(client, model.DefaultSchema())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "eg", testBinding(), "significant", sampleMessage(1), nil))
	require.NoError(t, s.Append(ctx, "eg", testBinding(), "significant", sampleMessage(2), nil))

	assert.Equal(t, 1, client.sessionCalls)
}

func TestWorkbookSink_RetriesOnceOn401(t *testing.T) {
	client := newFakeWorkbookClient()
	client.rowCounts["Significant"] = 5
	client.unauthorizeFirstWrite = true
	s := NewWorkbookSink(client, model.DefaultSchema())

	err := s.Append(context.Background(), "eg", testBinding(), "significant", sampleMessage(1), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, client.sessionCalls)
}

func TestWorkbookSink_SessionFailureReturnsWorkbookError(t *testing.T) {
	client := newFakeWorkbookClient()
	client.sessionErr = assert.AnError
	s := NewWorkbookSink(client, model.DefaultSchema())

	err := s.Append(context.Background(), "eg", testBinding(), "significant", sampleMessage(1), nil)
	require.Error(t, err)
	var wbErr *WorkbookError
	require.ErrorAs(t, err, &wbErr)
}

func TestWorkbookSink_ProjectsThroughExclusions(t *testing.T) {
	client := newFakeWorkbookClient()
	s := NewWorkbookSink(client, model.DefaultSchema())

	exclude := []string{"reasoning", "correlation_id"}
	require.NoError(t, s.Append(context.Background(), "eg", testBinding(), "significant", sampleMessage(1), exclude))

	want := model.VisibleFields(model.DefaultSchema(), exclude)
	assert.Equal(t, want, client.writes[0].values) // header row uses the same projection
	assert.Len(t, client.writes[1].values, len(want))
}

func TestWorkbookSink_AppendRespectsContextTimeout(t *testing.T) {
	client := newFakeWorkbookClient()
	s := NewWorkbookSink(client, model.DefaultSchema())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Append(ctx, "eg", testBinding(), "significant", sampleMessage(1), nil))
}

func TestWorkbookSink_PurgeOlderThanDeletesBothSheets(t *testing.T) {
	client := newFakeWorkbookClient()
	s := NewWorkbookSink(client, model.DefaultSchema())
	cutoff := time.Now().Add(-72 * time.Hour)

	require.NoError(t, s.PurgeOlderThan(context.Background(), "eg", testBinding(), cutoff))

	require.Len(t, client.deletes, 2)
	assert.Equal(t, "Significant", client.deletes[0].sheet)
	assert.Equal(t, "Trivial", client.deletes[1].sheet)
}

func TestWorkbookSink_PurgeOlderThanAggregatesPerSheetFailures(t *testing.T) {
	client := newFakeWorkbookClient()
	client.deleteErr = assert.AnError
	s := NewWorkbookSink(client, model.DefaultSchema())

	err := s.PurgeOlderThan(context.Background(), "eg", testBinding(), time.Now())
	require.Error(t, err)
	var wbErr *WorkbookError
	require.ErrorAs(t, err, &wbErr)
}

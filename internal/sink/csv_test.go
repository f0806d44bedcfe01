package sink

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

func sampleMessage(id int64) model.ProcessedMessage {
	return model.ProcessedMessage{
		Raw: model.RawMessage{
			ExternalID: id,
			Channel:    "@news",
			AuthoredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Body:       "hello, \"world\"",
		},
		CountryID:     "eg",
		Verdict:       model.VerdictSignificant,
		Method:        model.MethodKeywordSignificant,
		ProcessedAt:   time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		CorrelationID: "corr-1",
	}
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVSink_WritesHeaderOnFirstAppend(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(model.DefaultSchema())

	require.NoError(t, s.Append(dir, "eg", "significant", sampleMessage(1)))
	require.NoError(t, s.Close())

	rows := readRows(t, filepath.Join(dir, "eg_significant_messages.csv"))
	require.Len(t, rows, 2)
	assert.Equal(t, model.DefaultSchema().Fields, rows[0])
	assert.Equal(t, "1", rows[1][0])
}

func TestCSVSink_AppendsWithoutDuplicatingHeader(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(model.DefaultSchema())

	require.NoError(t, s.Append(dir, "eg", "trivial", sampleMessage(1)))
	require.NoError(t, s.Append(dir, "eg", "trivial", sampleMessage(2)))
	require.NoError(t, s.Close())

	rows := readRows(t, filepath.Join(dir, "eg_trivial_messages.csv"))
	require.Len(t, rows, 3)
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "2", rows[2][0])
}

func TestCSVSink_ProjectsFullSchemaNoExclusions(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(model.DefaultSchema())
	msg := sampleMessage(7)

	require.NoError(t, s.Append(dir, "eg", "significant", msg))
	require.NoError(t, s.Close())

	rows := readRows(t, filepath.Join(dir, "eg_significant_messages.csv"))
	assert.Len(t, rows[1], len(model.DefaultSchema().Fields))
	assert.Equal(t, "hello, \"world\"", rows[1][5])
}

func TestCSVSink_SeparatesCountriesAndSheets(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVSink(model.DefaultSchema())

	require.NoError(t, s.Append(dir, "eg", "significant", sampleMessage(1)))
	require.NoError(t, s.Append(dir, "sa", "significant", sampleMessage(2)))
	require.NoError(t, s.Close())

	assert.FileExists(t, filepath.Join(dir, "eg_significant_messages.csv"))
	assert.FileExists(t, filepath.Join(dir, "sa_significant_messages.csv"))
}

// Package sink implements the three message sinks (C8 Workbook, C9 CSV,
// C10 Webhook) that the Dispatcher (C11) fans processed messages out to.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/igoryan-dao/chatwatch/internal/model"
)

// CSVSink appends one row per message to
// <country>_significant_messages.csv or <country>_trivial_messages.csv,
// writing the header line first when the file does not yet exist. CSV
// is the ground-truth record: the projection never excludes fields, per
// spec.md §4.9.
//
// One *os.File is kept open per target path; the mutex guarding it
// enforces the single-writer-per-file rule spec.md §5 requires, since
// the Task Bus's csv queue also runs at concurrency 1 and a single
// process may still serve more than one country's tasks concurrently.
type CSVSink struct {
	schema model.Schema

	mu    sync.Mutex
	files map[string]*os.File
}

// NewCSVSink builds a CSVSink that projects every row through schema
// with no field exclusions.
func NewCSVSink(schema model.Schema) *CSVSink {
	return &CSVSink{schema: schema, files: make(map[string]*os.File)}
}

// CSVPath builds the on-disk path a given country/sheet pair resolves
// to, the same format Append uses. Exported so the cold-start cursor
// recovery path can scan exactly the files Append writes.
func CSVPath(dir, country, sheet string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_messages.csv", country, sheet))
}

// Append writes one row for msg to dir/<country>_<significant|trivial>_messages.csv.
// sheet must be "significant" or "trivial"; any other value is a
// programmer error, not a runtime one (the Dispatcher only ever passes
// one of the two).
func (s *CSVSink) Append(dir, country, sheet string, msg model.ProcessedMessage) error {
	row := model.Project(s.schema, msg, nil)
	path := CSVPath(dir, country, sheet)

	s.mu.Lock()
	defer s.mu.Unlock()

	f, isNew, err := s.openLocked(path)
	if err != nil {
		return fmt.Errorf("sink_transient: csv open %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(s.schema.Fields); err != nil {
			return fmt.Errorf("sink_transient: csv header %s: %w", path, err)
		}
	}
	if err := w.Write(row.Fields); err != nil {
		return fmt.Errorf("sink_transient: csv row %s: %w", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sink_transient: csv flush %s: %w", path, err)
	}
	return nil
}

// openLocked returns the cached handle for path, opening (and creating,
// if absent) it on first use. isNew reports whether the file did not
// exist before this call, so the caller knows to write the header.
func (s *CSVSink) openLocked(path string) (f *os.File, isNew bool, err error) {
	if f, ok := s.files[path]; ok {
		return f, false, nil
	}

	_, statErr := os.Stat(path)
	isNew = os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, err
	}
	f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, err
	}
	s.files[path] = f
	return f, isNew, nil
}

// Close releases every open file handle. Call it on shutdown.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("csv close %s: %w", path, err)
		}
	}
	s.files = make(map[string]*os.File)
	return firstErr
}

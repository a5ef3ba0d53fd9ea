// Package csvlog appends labeled counter snapshots to a CSV file.
package csvlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"pmc_exporter/internal/aggregate"
)

// Writer writes one row per snapshot. A header row is written before the
// first row and again whenever the labels change.
type Writer struct {
	mu     sync.Mutex
	closer io.Closer
	w      *csv.Writer
	header []string
}

// New wraps w. If w is also an io.Closer, Close closes it.
func New(w io.Writer) *Writer {
	cw := &Writer{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw
}

// Open appends to path, creating it if needed.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open csv log: %w", err)
	}
	return New(f), nil
}

// Write appends one row for values taken at ts and flushes it.
func (w *Writer) Write(ts time.Time, values []aggregate.LabeledValue) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	labels := make([]string, 0, len(values)+1)
	labels = append(labels, "Time")
	row := make([]string, 0, len(values)+1)
	row = append(row, ts.Format(time.RFC3339Nano))
	for _, v := range values {
		labels = append(labels, v.Label)
		row = append(row, strconv.FormatFloat(v.Value, 'f', -1, 64))
	}

	if !slices.Equal(labels, w.header) {
		if err := w.w.Write(labels); err != nil {
			return err
		}
		w.header = labels
	}
	if err := w.w.Write(row); err != nil {
		return err
	}
	w.w.Flush()
	return w.w.Error()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	err := w.w.Error()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

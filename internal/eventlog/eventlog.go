// Package eventlog appends presence rows to the CSV event log.
package eventlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// TimestampLayout is the local-time, second-precision timestamp written to every row.
const TimestampLayout = "2006-01-02 15:04:05"

// None is the name logged for a tick in which no face was found.
const None = "none"

var header = []string{"timestamp", "name"}

// Row is one line of the presence log.
type Row struct {
	Timestamp string
	Name      string
}

// Mirror receives every row written to the CSV log.
type Mirror interface {
	WriteRows(rows []Row) error
	Close() error
}

// Logger owns the CSV presence log. Each write opens, appends and closes the
// file, so external readers and the monthly rotation can touch it between ticks.
type Logger struct {
	path    string
	mirrors []Mirror
}

// New returns a Logger writing to path and to every mirror.
func New(path string, mirrors ...Mirror) *Logger {
	return &Logger{path: path, mirrors: mirrors}
}

// Path returns the CSV log location.
func (l *Logger) Path() string { return l.path }

// EnsureLogFile creates the log with its header row if it does not exist.
func EnsureLogFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("failed to create log file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	log.WithField("path", path).Info("Created log file")
	return nil
}

// Rows builds the rows for one tick: one per distinct name in sorted order,
// or a single "none" row when names is empty.
func Rows(ts time.Time, names []string) []Row {
	stamp := ts.Format(TimestampLayout)
	if len(names) == 0 {
		return []Row{{Timestamp: stamp, Name: None}}
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	rows := make([]Row, 0, len(sorted))
	for i, n := range sorted {
		if i > 0 && n == sorted[i-1] {
			continue
		}
		rows = append(rows, Row{Timestamp: stamp, Name: n})
	}
	return rows
}

// WriteTick appends the rows for one tick. A mirror failure is logged and does
// not affect the CSV write; a CSV failure is returned.
func (l *Logger) WriteTick(ts time.Time, names []string) error {
	rows := Rows(ts, names)

	for _, m := range l.mirrors {
		if err := m.WriteRows(rows); err != nil {
			log.WithError(err).Error("Failed to mirror presence rows")
		}
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, r := range rows {
		if err := w.Write([]string{r.Timestamp, r.Name}); err != nil {
			return fmt.Errorf("failed to write log row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write log row: %w", err)
	}
	return nil
}

// Close releases the mirrors.
func (l *Logger) Close() error {
	var errs []error
	for _, m := range l.mirrors {
		errs = append(errs, m.Close())
	}
	return errors.Join(errs...)
}

// Package runlog appends timestamped rows to the campaign's CSV run log.
package runlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// TimeLayout renders "YYYY MM DD-HH:MM:SS".
const TimeLayout = "2006 01 02-15:04:05"

const StatusFailed = "failed"

// Attempt is one invocation of the DAQ for a (task, tool, point).
type Attempt struct {
	Task      string
	Tool      string
	Status    int
	Attempt   int
	OutputDir string
	Labels    []string
}

// Logger is an append-only CSV log. Rows are flushed to disk as they are
// written.
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
	now  func() time.Time
}

func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create run log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &Logger{path: path, file: f, w: csv.NewWriter(f), now: time.Now}, nil
}

func (l *Logger) Path() string { return l.path }

// Attempt logs: time, task, exit status, attempt index, output dir, then
// tool and parameter labels.
func (l *Logger) Attempt(a Attempt) error {
	row := []string{a.Task, strconv.Itoa(a.Status), strconv.Itoa(a.Attempt), a.OutputDir}
	return l.write(append(row, trailing(a.Tool, a.Labels)...))
}

// Failed logs the terminal record after every attempt was used up.
func (l *Logger) Failed(task, tool string, attempts int, outputDir string, labels []string) error {
	row := []string{task, StatusFailed, strconv.Itoa(attempts), outputDir}
	return l.write(append(row, trailing(tool, labels)...))
}

// Event logs a non-attempt row: time, event, details.
func (l *Logger) Event(event string, details ...string) error {
	return l.write(append([]string{event}, details...))
}

func trailing(tool string, labels []string) []string {
	out := make([]string, 0, len(labels)+1)
	if tool != "" {
		out = append(out, "tool:"+tool)
	}
	return append(out, labels...)
}

func (l *Logger) write(fields []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("run log %s is closed", l.path)
	}
	row := append([]string{l.now().Format(TimeLayout)}, fields...)
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("write run log: %w", err)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return fmt.Errorf("flush run log: %w", err)
	}
	return nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	l.w.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}

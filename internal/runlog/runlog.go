// Package runlog keeps the per-task training log: a plain text file that
// is truncated once when a run is set up and appended to afterwards.
package runlog

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Sink appends lines to log_<task>.txt. No handle is held between writes.
type Sink struct {
	path   string
	logger *log.Logger
}

// FileName returns the log file name for a task.
func FileName(task string) string {
	return "log_" + task + ".txt"
}

// Create truncates (or creates) the task's log file in dir and returns a
// sink for it. An empty dir means the working directory. Messages are
// echoed to logger when it is non-nil.
func Create(dir, task string, logger *log.Logger) (*Sink, error) {
	path := filepath.Join(dir, FileName(task))
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create run log")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "close run log")
	}
	return &Sink{path: path, logger: logger}, nil
}

// Path returns the file the sink writes to.
func (s *Sink) Path() string { return s.path }

// Append writes msg followed by exactly one newline.
func (s *Sink) Append(msg string) error {
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	if s.logger != nil {
		s.logger.Print(msg)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "open run log")
	}
	if _, err := f.WriteString(msg); err != nil {
		f.Close()
		return errors.Wrap(err, "append run log")
	}
	return errors.Wrap(f.Close(), "close run log")
}

// Package logsink implements the server's append-only event log: one
// file per process start, every line prefixed with a wall-clock
// timestamp. It is the audit trail of what happened on the relay
// (registrations, commands, transfers, shutdown), distinct from the
// structured operational log.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	fileNameLayout = "20060102_150405"
	lineLayout     = "2006-01-02 15:04:05"
)

// Sink serializes concurrent writers onto a single append-only file.
// When the file cannot be opened the failure is reported once and every
// subsequent Write becomes a no-op, so callers never need to check.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

// New creates <dir>/<start-time>.log, creating dir with mode 0755 if
// absent. An open failure is logged through logger and yields a disabled
// sink rather than an error.
func New(dir string, logger zerolog.Logger) *Sink {
	s := &Sink{}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error().Err(err).Str("dir", dir).Msg("Log sink disabled: cannot create directory")
		return s
	}

	s.path = filepath.Join(dir, time.Now().Format(fileNameLayout)+".log")
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Error().Err(err).Str("path", s.path).Msg("Log sink disabled: cannot open file")
		s.path = ""
		return s
	}
	s.f = f
	return s
}

// Write appends one timestamped line and flushes it synchronously.
func (s *Sink) Write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil || s.closed {
		return
	}
	fmt.Fprintf(s.f, "%s - %s\n", time.Now().Format(lineLayout), line)
	s.f.Sync()
}

// Writef is Write with formatting.
func (s *Sink) Writef(format string, args ...any) {
	s.Write(fmt.Sprintf(format, args...))
}

// Close releases the underlying file. Idempotent.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.f != nil {
		s.f.Close()
	}
}

// Path returns the log file location, or "" when the sink is disabled.
func (s *Sink) Path() string {
	return s.path
}

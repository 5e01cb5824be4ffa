package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/term"
)

// fsyHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<runID>\t<message>\t<key=value ...>
type fsyHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Level
	runID string
	attrs []slog.Attr
}

func newHandler(w io.Writer, level slog.Level, runID string) *fsyHandler {
	return &fsyHandler{mu: &sync.Mutex{}, w: w, level: level, runID: runID}
}

func (h *fsyHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

// Handle writes one line. Transfers log from several goroutines, so the
// line is built first and written under the lock.
func (h *fsyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05.000Z")
	buf := fmt.Appendf(nil, "%s\t%s\t%s\t%s", ts, r.Level.String(), h.runID, r.Message)

	for _, a := range h.attrs {
		buf = fmt.Appendf(buf, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = fmt.Appendf(buf, "\t%s=%v", a.Key, a.Value)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *fsyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fsyHandler{
		mu:    h.mu,
		w:     h.w,
		level: h.level,
		runID: h.runID,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *fsyHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to logDir/fsy.log, and
// to stderr as well when stderr is a terminal. It returns the slog.Logger,
// the open log file (for cleanup), and any error.
func newLogger(logDir string, level slog.Level, runID string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "fsy.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	var w io.Writer = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		w = io.MultiWriter(f, os.Stderr)
	}
	return slog.New(newHandler(w, level, runID)), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the fsy.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }

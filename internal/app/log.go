package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"mlc-go/internal/mlc"
)

// LogFileName is the log file written under the configured log_dir.
const LogFileName = "mlc.log"

// mlcHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
//
// Each record is written with a single Write. Handlers derived through
// WithAttrs share the writer lock, since drivers log from several goroutines.
type mlcHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	opID  string
	level slog.Level
	attrs []slog.Attr
}

func newMLCHandler(w io.Writer, opID string, level slog.Level) *mlcHandler {
	return &mlcHandler{w: w, mu: &sync.Mutex{}, opID: opID, level: level}
}

func (h *mlcHandler) Enabled(_ context.Context, level slog.Level) bool { return level >= h.level }

func (h *mlcHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\t%s\t%s\t%s", r.Time.UTC().Format("2006-01-02T15:04:05Z"), r.Level, h.opID, r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, "\t%s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *mlcHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mlcHandler{
		w:     h.w,
		mu:    h.mu,
		opID:  h.opID,
		level: h.level,
		attrs: append(slices.Clone(h.attrs), attrs...),
	}
}

func (h *mlcHandler) WithGroup(string) slog.Handler { return h }

// teeHandler passes each record to every handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// newLogger creates a structured logger that writes every record to
// logDir/mlc.log and warnings and errors to stderr.
// It returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir string, opID string, stderr io.Writer) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, LogFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := teeHandler{
		newMLCHandler(f, opID, slog.LevelDebug),
		newMLCHandler(stderr, opID, slog.LevelWarn),
	}
	return slog.New(handler), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the mlc.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

var _ mlc.Logger = (*slogAdapter)(nil)

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }

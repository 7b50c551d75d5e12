// Package logger initializes the process-wide slog logger.
//
// Output is filtered so third-party library logs only appear at debug
// level, keeping runtime logs readable while still surfacing provider and
// storage client noise when debugging.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

const modulePrefix = "github.com/rlmrs/rlmrs"

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings map to warn.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// libraryFilterHandler suppresses records emitted from outside this module
// unless the configured level is debug.
type libraryFilterHandler struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *libraryFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *libraryFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel <= slog.LevelDebug {
		return h.handler.Handle(ctx, record)
	}
	if h.isModuleCaller(record.PC) {
		return h.handler.Handle(ctx, record)
	}
	return nil
}

func (h *libraryFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &libraryFilterHandler{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *libraryFilterHandler) WithGroup(name string) slog.Handler {
	return &libraryFilterHandler{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

func (h *libraryFilterHandler) isModuleCaller(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), modulePrefix) || strings.Contains(file, "rlmrs/")
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(file *os.File) bool {
	if fileInfo, err := file.Stat(); err == nil {
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
	return false
}

func normalizeLevel(level slog.Level) string {
	s := level.String()
	if s == "WARNING" {
		s = "WARN"
	}
	return strings.ToUpper(s)
}

func appendAttrs(buf *strings.Builder, record slog.Record) {
	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})
}

// textHandler renders records as "LEVEL message k=v ..." with optional
// timestamp prefix and ANSI colors for terminal output.
type textHandler struct {
	handler   slog.Handler
	writer    io.Writer
	useColor  bool
	withTime  bool
	timestamp string
}

func (h *textHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *textHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.withTime && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format(h.timestamp))
		buf.WriteString(" ")
	}

	if h.useColor {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(normalizeLevel(record.Level))
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(normalizeLevel(record.Level))
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)
	appendAttrs(&buf, record)
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &textHandler{
		handler:   h.handler.WithAttrs(attrs),
		writer:    h.writer,
		useColor:  h.useColor,
		withTime:  h.withTime,
		timestamp: h.timestamp,
	}
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	return &textHandler{
		handler:   h.handler.WithGroup(name),
		writer:    h.writer,
		useColor:  h.useColor,
		withTime:  h.withTime,
		timestamp: h.timestamp,
	}
}

// Init initializes the process logger with the given level and format.
// Formats: "simple" (level + message, the default), "verbose" (adds
// timestamps), "json" (slog JSON handler, for collected deployments).
// Colors are enabled automatically when output is a terminal.
func Init(level slog.Level, output *os.File, format string) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.String() == "WARNING" {
				return slog.String("level", "WARN")
			}
			return a
		},
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "verbose":
		handler = &textHandler{
			handler:   slog.NewTextHandler(output, opts),
			writer:    output,
			useColor:  isTerminal(output),
			withTime:  true,
			timestamp: "2006/01/02 15:04:05",
		}
	default: // simple
		handler = &textHandler{
			handler:  slog.NewTextHandler(output, opts),
			writer:   output,
			useColor: isTerminal(output),
		}
	}

	defaultLogger = slog.New(&libraryFilterHandler{handler: handler, minLevel: level})

	// All libraries using slog route through this.
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens or creates a log file at the specified path.
// Returns the file handle and a cleanup function, or an error.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the default slog logger, initializing it lazily with
// info level and simple format.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}

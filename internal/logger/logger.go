package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

var (
	globalLevel = slog.LevelDebug
	levelMu     sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMu.Lock()
	defer levelMu.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	levelMu.RLock()
	defer levelMu.RUnlock()

	switch globalLevel {
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

func currentLevel() slog.Level {
	levelMu.RLock()
	defer levelMu.RUnlock()
	return globalLevel
}

// output is shared by a Handler and every handler derived from it.
type output struct {
	mu   sync.Mutex
	outs []io.Writer
}

// Handler is a slog.Handler writing "[15:04:05] [LEVEL] msg k=v" lines to
// one or more writers, filtered by the global level.
type Handler struct {
	out    *output
	attrs  []string
	groups []string
}

// NewHandler creates a handler writing to outputs.
func NewHandler(outputs ...io.Writer) *Handler {
	return &Handler{out: &output{outs: outputs}}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel()
}

// Handle implements slog.Handler
func (h *Handler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < currentLevel() {
		return nil
	}

	prefix := strings.Join(h.groups, ".")
	attrs := make([]string, 0, len(h.attrs)+record.NumAttrs())
	attrs = append(attrs, h.attrs...)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, renderAttr(prefix, a))
		return true
	})

	line := formatLine(record.Time.Format("15:04:05"), record.Level.String(), record.Message, attrs)

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	for _, w := range h.out.outs {
		if w != nil {
			_, _ = w.Write([]byte(line))
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	prefix := strings.Join(h.groups, ".")
	clone := *h
	clone.attrs = append([]string{}, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, renderAttr(prefix, a))
	}
	return &clone
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func renderAttr(prefix string, a slog.Attr) string {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	return key + "=" + a.Value.Resolve().String()
}

func formatLine(timestamp, level, message string, attrs []string) string {
	line := "[" + timestamp + "] [" + strings.ToUpper(level) + "] " + message
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	return line + "\n"
}

// InitLogger installs a Handler on outputs as the slog default and returns
// the resulting logger.
func InitLogger(outputs ...io.Writer) *slog.Logger {
	logger := slog.New(NewHandler(outputs...))
	slog.SetDefault(logger)
	return logger
}

// Component returns a logger carrying component=name.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}

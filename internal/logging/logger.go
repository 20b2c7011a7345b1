// Package logging wraps slog and implements the LIVE_LOGGING category
// filter used by component-scoped loggers.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// Category identifies a component logging category toggled via LIVE_LOGGING.
type Category string

const (
	CatLifecycle   Category = "lifecycle"
	CatMessages    Category = "messages"
	CatState       Category = "state"
	CatPerformance Category = "performance"
	CatRooms       Category = "rooms"
	CatWebsocket   Category = "websocket"
)

var allCategories = []Category{
	CatLifecycle, CatMessages, CatState, CatPerformance, CatRooms, CatWebsocket,
}

// Filter decides which component log categories are emitted.
// Parsed from LIVE_LOGGING: "true" enables all, "false" (or empty)
// disables all, otherwise a comma-separated list of category names.
type Filter struct {
	enabled map[Category]bool
}

// ParseFilter builds a Filter from a LIVE_LOGGING value.
func ParseFilter(v string) *Filter {
	f := &Filter{enabled: make(map[Category]bool)}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0":
		return f
	case "true", "1":
		for _, c := range allCategories {
			f.enabled[c] = true
		}
		return f
	}
	for _, part := range strings.Split(v, ",") {
		c := Category(strings.ToLower(strings.TrimSpace(part)))
		for _, known := range allCategories {
			if c == known {
				f.enabled[c] = true
			}
		}
	}
	return f
}

// Enabled reports whether the category should be logged.
func (f *Filter) Enabled(c Category) bool {
	if f == nil {
		return false
	}
	return f.enabled[c]
}

// ComponentLogger logs component events gated by the category filter.
type ComponentLogger struct {
	log    *Logger
	filter *Filter
	label  string
}

// ForComponent returns a category-filtered logger carrying the component label.
func (l *Logger) ForComponent(label string, filter *Filter) *ComponentLogger {
	return &ComponentLogger{log: l, filter: filter, label: label}
}

// Log emits a debug record when the category is enabled.
func (cl *ComponentLogger) Log(cat Category, msg string, args ...any) {
	if cl == nil || !cl.filter.Enabled(cat) {
		return
	}
	args = append([]any{"component", cl.label, "category", string(cat)}, args...)
	cl.log.Debug(msg, args...)
}

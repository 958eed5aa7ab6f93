// Package prettylog provides a colorized console handler for log/slog,
// intended for local development. Production deployments should keep the
// default JSON handler.
package prettylog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

const timeFormat = "15:04:05.000"

const (
	reset = "\033[0m"

	red      = 31
	yellow   = 33
	cyan     = 36
	darkGray = 90
	white    = 97
)

func colorize(colorCode int, v string) string {
	return "\033[" + strconv.Itoa(colorCode) + "m" + v + reset
}

type handler struct {
	level  slog.Level
	mu     *sync.Mutex
	out    io.Writer
	attrs  []slog.Attr
	groups []string
}

// NewHandler returns a handler writing colorized records to stderr.
func NewHandler(level slog.Level) slog.Handler {
	return &handler{
		level: level,
		mu:    &sync.Mutex{},
		out:   os.Stderr,
	}
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}

func (h *handler) WithGroup(name string) slog.Handler {
	h2 := *h
	h2.groups = append(append([]string{}, h.groups...), name)
	return &h2
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"

	switch r.Level {
	case slog.LevelDebug:
		level = colorize(darkGray, level)
	case slog.LevelInfo:
		level = colorize(cyan, level)
	case slog.LevelWarn:
		level = colorize(yellow, level)
	case slog.LevelError:
		level = colorize(red, level)
	}

	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[h.qualify(a.Key)] = attrValue(a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.qualify(a.Key)] = attrValue(a.Value)
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprint(h.out, colorize(darkGray, r.Time.Format(timeFormat)))
	fmt.Fprint(h.out, " ", level, " ", colorize(white, r.Message))
	if len(attrs) > 0 {
		fmt.Fprint(h.out, " ", colorize(darkGray, attrsToString(attrs)))
	}
	fmt.Fprintln(h.out)

	return nil
}

func (h *handler) qualify(key string) string {
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	return key
}

func attrValue(v slog.Value) any {
	resolved := v.Resolve().Any()
	if err, ok := resolved.(error); ok {
		return err.Error()
	}
	if b, ok := resolved.([]byte); ok {
		return fmt.Sprintf("%v", b)
	}
	return resolved
}

func attrsToString(attrs map[string]any) string {
	asJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Sprintf("%v", attrs)
	}
	return string(asJSON)
}

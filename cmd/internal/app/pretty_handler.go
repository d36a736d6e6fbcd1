package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes color escapes. Attribute values can carry remote text (message
// content, peer close reasons), so they are stripped before printing.
func stripANSI(s string) string { return ansiRE.ReplaceAllString(s, "") }

// prettyHandler renders records as one key=value line for terminals. Keys the
// session, relay and request logger emit (state, degraded, status, result) are colored
// by value.
type prettyHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	source bool
	color  bool

	// prefix is the open group path ("relay.peer."); pre holds attrs already
	// rendered by WithAttrs.
	prefix string
	pre    string
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{out: w, mu: &sync.Mutex{}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ts=%s lvl=%s msg=%s",
		paint(ansiDim, ts.Format("15:04:05.000"), h.color),
		levelTag(r.Level, h.color),
		paint(ansiBright, stripANSI(r.Message), h.color),
	)
	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(ansiDim, filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), h.color))
		}
	}
	b.WriteString(h.pre)
	r.Attrs(func(a slog.Attr) bool {
		h.writeAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	for _, a := range attrs {
		h.writeAttr(&b, h.prefix, a)
	}
	cp := *h
	cp.pre = h.pre + b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		if key != "" {
			prefix += key + "."
		}
		for _, ga := range a.Value.Group() {
			h.writeAttr(b, prefix, ga)
		}
		return
	}
	if key == "" {
		return
	}

	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(displayKey(key))
	b.WriteByte('=')
	b.WriteString(h.formatValue(key, a.Value))
}

// displayKey shortens the request logger's keys.
func displayKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	}
	return k
}

func (h *prettyHandler) formatValue(key string, v slog.Value) string {
	c := h.color
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), c)
	case "path":
		return paint(ansiCyan, strings.TrimSpace(v.String()), c)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return paint(statusColor(statusClass(int(n))), strconv.FormatInt(n, 10), c)
		}
	case "status_class":
		class := strings.TrimSpace(v.String())
		return paint(statusColor(class), class, c)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, c)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), c)
	case "state", "from", "to":
		return colorizeState(strings.TrimSpace(v.String()), c)
	case "degraded", "resyncing":
		if v.Kind() == slog.KindBool && v.Bool() {
			return paint(ansiYellow, "true", c)
		}
	case "err":
		return paint(ansiRed, quoteIfNeeded(stripANSI(valueToString(v))), c)
	}
	return quoteIfNeeded(stripANSI(valueToString(v)))
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		return fmt.Sprint(v.Any())
	default:
		// Int64, Uint64, Float64, Bool and Duration print canonically.
		return v.String()
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint(ansiRed, "[ERROR]", color)
	case level >= slog.LevelWarn:
		return paint(ansiYellow, "[WARN]", color)
	case level < slog.LevelInfo:
		return paint(ansiMagenta, "[DEBUG]", color)
	default:
		return paint(ansiBlue, "[INFO]", color)
	}
}

func paint(code, s string, color bool) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET":
		return paint(ansiGreen, m, color)
	case "POST", "PUT", "PATCH":
		return paint(ansiYellow, m, color)
	case "DELETE":
		return paint(ansiRed, m, color)
	default:
		return paint(ansiMagenta, m, color)
	}
}

func statusColor(class string) string {
	switch class {
	case "1xx", "3xx":
		return ansiCyan
	case "2xx":
		return ansiGreen
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	default:
		return ansiDim
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(ansiRed, s, color)
	case ms >= 200:
		return paint(ansiYellow, s, color)
	default:
		return paint(ansiGreen, s, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(ansiGreen, result, color)
	case "redirect":
		return paint(ansiCyan, result, color)
	case "client_error":
		return paint(ansiYellow, result, color)
	case "server_error":
		return paint(ansiRed, result, color)
	default:
		return quoteIfNeeded(result)
	}
}

func colorizeState(state string, color bool) string {
	switch state {
	case "live":
		return paint(ansiGreen, state, color)
	case "loading", "switching_out":
		return paint(ansiYellow, state, color)
	case "idle":
		return paint(ansiDim, state, color)
	default:
		return quoteIfNeeded(state)
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

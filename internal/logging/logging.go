// Package logging provides the node's structured logging handler. It
// is adapted from prxssh-rabbit's pkg/utils/logging pretty handler: a
// slog.Handler that renders colorized, single-line records instead of
// slog's default key=value dump, using the same fatih/color palette.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options controls the handler's rendering.
type Options struct {
	UseColor   bool
	ShowSource bool
	Level      slog.Level
	TimeFormat string
}

func DefaultOptions() Options {
	return Options{
		UseColor:   true,
		ShowSource: false,
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339,
	}
}

// Handler is a compact, colorized slog.Handler suitable for a
// single-process LAN node: one line per record, component name and
// peer id folded in as attrs.
type Handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...interface{}) string
	colorLevel   map[slog.Level]func(...interface{}) string
	colorMessage func(...interface{}) string
	colorFields  func(...interface{}) string
}

// New builds a handler writing to w.
func New(w io.Writer, opts Options) *Handler {
	h := &Handler{
		opts:   opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColors()
	return h
}

// Default returns a logger writing to stderr with the package's
// default options, for components constructed without an explicit
// logger.
func Default() *slog.Logger {
	return slog.New(New(os.Stderr, DefaultOptions()))
}

func (h *Handler) initColors() {
	if !h.opts.UseColor {
		noColor := func(a ...interface{}) string { return fmt.Sprint(a...) }
		h.colorTime, h.colorMessage, h.colorFields = noColor, noColor, noColor
		h.colorLevel = map[slog.Level]func(...interface{}) string{
			slog.LevelDebug: noColor, slog.LevelInfo: noColor,
			slog.LevelWarn: noColor, slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...interface{}) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := new(bytes.Buffer)
	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteString(" | ")

	levelStr := strings.ToUpper(r.Level.String())
	if colorFn, ok := h.colorLevel[r.Level]; ok {
		buf.WriteString(colorFn(fmt.Sprintf("%-5s", levelStr)))
	} else {
		buf.WriteString(fmt.Sprintf("%-5s", levelStr))
	}
	buf.WriteString(" | ")

	if h.opts.ShowSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			fmt.Fprintf(buf, "%s:%d | ", filepath.Base(frame.File), frame.Line)
		}
	}

	buf.WriteString(h.colorMessage(r.Message))

	fields := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		fields = append(fields, formatAttr(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, formatAttr(a))
		return true
	})
	if len(fields) > 0 {
		buf.WriteString(" ")
		buf.WriteString(h.colorFields(strings.Join(fields, " ")))
	}
	buf.WriteByte('\n')

	_, err := h.writer.Write(buf.Bytes())
	return err
}

func formatAttr(a slog.Attr) string {
	return fmt.Sprintf("%s=%v", a.Key, a.Value.Resolve().Any())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	newH := &Handler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	newH.initColors()
	return newH
}

func (h *Handler) WithGroup(_ string) slog.Handler {
	// Groups are not rendered; single-line records stay flat.
	return h
}

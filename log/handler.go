package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const termTimeFormat = "01-02|15:04:05.000"

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

type discardHandler struct{}

func (h *discardHandler) Handle(_ context.Context, r slog.Record) error { return nil }

func (h *discardHandler) Enabled(_ context.Context, level slog.Level) bool { return false }

func (h *discardHandler) WithGroup(name string) slog.Handler { return h }

func (h *discardHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

type terminalHandler struct {
	mu    sync.Mutex
	wr    io.Writer
	lvl   slog.Level
	attrs []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler that writes aligned
// human-readable records to wr, dropping records below lvl.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level) slog.Handler {
	return &terminalHandler{wr: wr, lvl: lvl}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(LevelAlignedString(r.Level))
	b.WriteByte('[')
	b.WriteString(r.Time.Format(termTimeFormat))
	b.WriteString("] ")
	b.WriteString(r.Message)
	for _, attr := range h.attrs {
		writeAttr(&b, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, attr)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.wr, b.String())
	return err
}

func (h *terminalHandler) WithGroup(name string) slog.Handler { return h }

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &terminalHandler{
		wr:    h.wr,
		lvl:   h.lvl,
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func writeAttr(b *strings.Builder, attr slog.Attr) {
	b.WriteByte(' ')
	b.WriteString(attr.Key)
	b.WriteByte('=')
	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindTime:
		b.WriteString(v.Time().Format(time.RFC3339))
	default:
		fmt.Fprintf(b, "%v", v.Any())
	}
}

package sdk

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// LogLine is a log record emitted inside a bundle and shipped back to the
// service together with the call result.
type LogLine struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   []LogAttr
}

type LogAttr struct {
	Key   string
	Value string
}

// Replay writes captured lines into logger, keeping their level and attributes.
func Replay(ctx context.Context, logger *slog.Logger, lines []LogLine) {
	if logger == nil {
		return
	}
	for _, line := range lines {
		if !logger.Enabled(ctx, line.Level) {
			continue
		}
		attrs := make([]slog.Attr, 0, len(line.Attrs))
		for _, a := range line.Attrs {
			attrs = append(attrs, slog.String(a.Key, a.Value))
		}
		logger.LogAttrs(ctx, line.Level, line.Message, attrs...)
	}
}

// capture is a slog.Handler collecting records of a single call.
type capture struct {
	buf    *captureBuf
	level  slog.Level
	attrs  []LogAttr
	prefix string
}

type captureBuf struct {
	mx    sync.Mutex
	lines []LogLine
}

func newCapture(level slog.Level) (*slog.Logger, *captureBuf) {
	buf := &captureBuf{}
	return slog.New(&capture{buf: buf, level: level}), buf
}

func (b *captureBuf) drain() []LogLine {
	b.mx.Lock()
	defer b.mx.Unlock()
	ret := b.lines
	b.lines = nil
	return ret
}

func (h *capture) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *capture) Handle(_ context.Context, r slog.Record) error {
	line := LogLine{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   slices.Clone(h.attrs),
	}
	r.Attrs(func(a slog.Attr) bool {
		line.Attrs = appendAttr(line.Attrs, h.prefix, a)
		return true
	})
	h.buf.mx.Lock()
	h.buf.lines = append(h.buf.lines, line)
	h.buf.mx.Unlock()
	return nil
}

func (h *capture) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		h2.attrs = appendAttr(h2.attrs, h.prefix, a)
	}
	return &h2
}

func (h *capture) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func appendAttr(dst []LogAttr, prefix string, a slog.Attr) []LogAttr {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, p, ga)
		}
		return dst
	}
	value := a.Value.String()
	if a.Value.Kind() == slog.KindAny {
		value = fmt.Sprint(a.Value.Any())
	}
	return append(dst, LogAttr{Key: prefix + a.Key, Value: value})
}

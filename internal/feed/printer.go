package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/rickgao/giftplan-realtime/internal/topic"
)

// Handler returns a topic handler that queues events into buf.
func Handler(buf *Buffer[topic.Event]) topic.Handler {
	return func(ev topic.Event) {
		buf.Push(ev)
	}
}

// Printer writes queued events as JSON lines.
type Printer struct {
	w      io.Writer
	path   string // GJSON path; empty prints the whole event
	logger *slog.Logger
}

// NewPrinter creates a printer. When selectPath is set only that part of
// each event is printed, e.g. "data.payload.name".
func NewPrinter(w io.Writer, selectPath string, logger *slog.Logger) *Printer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Printer{w: w, path: selectPath, logger: logger}
}

// Run drains buf until it is closed or ctx is done.
func (p *Printer) Run(ctx context.Context, buf *Buffer[topic.Event]) error {
	stop := context.AfterFunc(ctx, buf.Close)
	defer stop()

	for {
		ev, ok := buf.Pop()
		if !ok {
			return ctx.Err()
		}
		if err := p.Print(ev); err != nil {
			return err
		}
	}
}

// Print writes one event. Events without a value at the selected path
// are skipped.
func (p *Printer) Print(ev topic.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if p.path != "" {
		res := gjson.GetBytes(line, p.path)
		if !res.Exists() {
			p.logger.Debug("select path not found", "path", p.path, "topic", ev.Topic)
			return nil
		}
		line = []byte(res.Raw)
	}

	if _, err := fmt.Fprintf(p.w, "%s\n", line); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

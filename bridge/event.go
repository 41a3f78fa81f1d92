package bridge

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// EventKind tells consumers what an Event carries.
type EventKind int

const (
	// EventDataAvailable carries one inbound line without its delimiter.
	EventDataAvailable EventKind = iota + 1
	// EventReadError carries a read failure. The port stays open.
	EventReadError
)

func (k EventKind) String() string {
	switch k {
	case EventDataAvailable:
		return "data"
	case EventReadError:
		return "read_error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one notification from the port reader.
type Event struct {
	Kind EventKind
	Line string
	Err  error
}

// Printer writes inbound lines to Out, one per line.
type Printer struct {
	Out    io.Writer
	Logger *zap.Logger
	// Tap, if set, sees every event before it is handled.
	Tap func(Event)
}

// Handle prints data events and ignores every other kind.
func (p *Printer) Handle(ev Event) {
	if p.Tap != nil {
		p.Tap(ev)
	}
	if ev.Kind != EventDataAvailable {
		return
	}
	if _, err := fmt.Fprintln(p.Out, ev.Line); err != nil && p.Logger != nil {
		p.Logger.Error("print failed", zap.Error(err))
	}
}

// Run drains events until the channel is closed or ctx is done.
func (p *Printer) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.Handle(ev)
		}
	}
}

package sink

import (
	"fmt"
	"io"
	"sync"

	"github.com/vango-dev/wavebench/pkg/record"
)

// TimestampLayout is the layout of the timestamp in printed worker lines.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Printer writes worker lines to w as
//
//	== Function @ <peer> <timestamp> <line> ==
//
// Other records are ignored; server progress goes through slog.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Emit prints r if it is a worker line.
func (p *Printer) Emit(r record.Record) {
	if r.Kind != record.KindLine {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "== Function @ %s %s %s ==\n", r.Peer, r.Time.Format(TimestampLayout), r.Text)
}

// Package console renders live transfer progress on the terminal. It is a
// pure consumer of the server's event stream; the protocol engine never
// waits for it.
package console

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/opd-ai/tftpd/events"
)

// fmtRound is the duration granularity shown in completion lines.
const fmtRound = time.Millisecond

// Dashboard renders concurrent per-transfer progress bars using a single
// pterm multi printer area so the terminal stays tidy even with many
// transfers.
type Dashboard struct {
	multi   *pterm.MultiPrinter
	bars    map[uint64]*pterm.ProgressbarPrinter
	sent    map[uint64]uint64
	logs    io.Writer
	started bool
	mu      sync.Mutex
}

// NewDashboard creates an inactive dashboard; call Start before Run.
func NewDashboard() *Dashboard {
	mp := pterm.DefaultMultiPrinter
	return &Dashboard{
		multi: &mp,
		bars:  make(map[uint64]*pterm.ProgressbarPrinter),
		sent:  make(map[uint64]uint64),
	}
}

// Start activates the shared area for all progress bars.
func (d *Dashboard) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if _, err := d.multi.Start(); err != nil {
		return err
	}
	d.logs = d.multi.NewWriter()
	d.started = true
	return nil
}

// Stop tears down the multi printer area.
func (d *Dashboard) Stop() {
	d.mu.Lock()
	started := d.started
	d.started = false
	d.mu.Unlock()
	if started {
		_, _ = d.multi.Stop()
	}
}

// Run consumes the event stream until it is closed. Call from its own
// goroutine; Stop when it returns.
func (d *Dashboard) Run(ch <-chan events.Event) {
	for ev := range ch {
		d.handle(ev)
	}
}

func (d *Dashboard) handle(ev events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}

	switch e := ev.(type) {
	case events.SessionStarted:
		label := fmt.Sprintf("%s %s (%s)", e.Kind, e.Filename, e.Peer)
		total := int(e.TotalBytes)
		if !e.SizeKnown || total <= 0 {
			total = 1
		}
		bar, err := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(label).
			WithWriter(d.multi.NewWriter()).
			Start()
		if err != nil {
			return
		}
		d.bars[e.ID] = bar
		d.sent[e.ID] = 0

	case events.BlockProgress:
		bar, ok := d.bars[e.ID]
		if !ok {
			return
		}
		if delta := e.Transferred - d.sent[e.ID]; delta > 0 {
			bar.Add(int(delta))
			d.sent[e.ID] = e.Transferred
		}

	case events.SessionCompleted:
		if bar, ok := d.bars[e.ID]; ok {
			// Unknown-size uploads end with the bar forced full.
			if left := bar.Total - bar.Current; left > 0 {
				bar.Add(left)
			}
			_, _ = bar.Stop()
			delete(d.bars, e.ID)
			delete(d.sent, e.ID)
		}
		d.printf("done: %d bytes in %s", e.Transferred, e.Duration.Round(fmtRound))

	case events.SessionFailed:
		if bar, ok := d.bars[e.ID]; ok {
			_, _ = bar.Stop()
			delete(d.bars, e.ID)
			delete(d.sent, e.ID)
		}
		d.printf("failed: %s", e.Reason)

	case events.Log:
		d.printf("%s", e.Message)
	}
}

func (d *Dashboard) printf(format string, args ...any) {
	if d.logs != nil {
		fmt.Fprintf(d.logs, format+"\n", args...)
	}
}

package orchestrator

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/funnelgate/internal/bus"
)

// Debouncer coalesces rapid inbound messages for one session into a single
// logical message before dispatch. Text is last-write-wins and the window
// timer resets on every arrival, so a keystroke-paced burst becomes one
// provider call carrying the newest content and key id.
//
// A zero window dispatches synchronously.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingDispatch
}

type pendingDispatch struct {
	msg   bus.InboundMessage
	timer *time.Timer
}

func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingDispatch),
	}
}

// Enqueue merges msg into the pending dispatch for key and (re)arms the
// window timer. fire runs on its own goroutine when the window closes.
func (d *Debouncer) Enqueue(key string, msg bus.InboundMessage, fire func(bus.InboundMessage)) {
	if d.window <= 0 {
		fire(msg)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		p.msg = merge(p.msg, msg)
		p.timer.Reset(d.window)
		return
	}

	p := &pendingDispatch{msg: msg}
	p.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		current, ok := d.pending[key]
		if ok {
			delete(d.pending, key)
		}
		d.mu.Unlock()
		if ok {
			fire(current.msg)
		}
	})
	d.pending[key] = p
}

// Flush cancels all pending timers without dispatching. Shutdown path only.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// merge folds a newer message over the pending one: newest text, key id and
// attachment win; the original arrival metadata is otherwise preserved.
func merge(old, next bus.InboundMessage) bus.InboundMessage {
	merged := next
	if merged.PushName == "" {
		merged.PushName = old.PushName
	}
	if merged.Attachment == nil {
		merged.Attachment = old.Attachment
	}
	if merged.QuotedMessage == nil {
		merged.QuotedMessage = old.QuotedMessage
	}
	return merged
}

package engine

import (
	"sync"
	"time"
)

// debouncer collapses rapid repeated triggers for the same key into a single
// fire. Each trigger restarts the key's quiet-period timer; a max-wait timer
// started on the first trigger bounds how long a busy key can starve.
type debouncer struct {
	mu      sync.Mutex
	maxWait time.Duration
	fire    func(key string)
	pending map[string]*pendingKey
	stopped bool
}

type pendingKey struct {
	quiet *time.Timer
	max   *time.Timer
}

func newDebouncer(maxWait time.Duration, fire func(key string)) *debouncer {
	return &debouncer{
		maxWait: maxWait,
		fire:    fire,
		pending: make(map[string]*pendingKey),
	}
}

// Trigger schedules the key to fire after the quiet period, collapsing with
// any pending trigger for the same key.
func (d *debouncer) Trigger(key string, quiet time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.quiet.Reset(quiet)
		return
	}

	p := &pendingKey{}
	p.quiet = time.AfterFunc(quiet, func() { d.dispatch(key) })
	if d.maxWait > 0 {
		p.max = time.AfterFunc(d.maxWait, func() { d.dispatch(key) })
	}
	d.pending[key] = p
}

// Flush fires the key immediately if a trigger is pending. Used on shutdown
// for the focused document.
func (d *debouncer) Flush(key string) {
	d.dispatch(key)
}

// Drop cancels all pending triggers without firing.
func (d *debouncer) Drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for key, p := range d.pending {
		p.quiet.Stop()
		if p.max != nil {
			p.max.Stop()
		}
		delete(d.pending, key)
	}
}

// dispatch clears the key's timers and fires it once, whichever timer won.
func (d *debouncer) dispatch(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.quiet.Stop()
		if p.max != nil {
			p.max.Stop()
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		d.fire(key)
	}
}

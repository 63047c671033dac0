package monitor

import (
	"sync"
	"time"
)

// expiryDebounceWindow is how long the monitor waits after the first
// expiry before notifying, so a burst of simultaneous expirations
// produces one aggregated notification instead of many.
const expiryDebounceWindow = 5 * time.Second

// expiryDebouncer collects names of newly expired accounts and flushes
// them as one batch after a quiet window.
type expiryDebouncer struct {
	window time.Duration
	fire   func(names []string)

	// afterFunc is time.AfterFunc, replaceable in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	pending []string
	timer   *time.Timer
}

func newExpiryDebouncer(window time.Duration, fire func([]string)) *expiryDebouncer {
	return &expiryDebouncer{
		window:    window,
		fire:      fire,
		afterFunc: time.AfterFunc,
	}
}

// add queues an expired account name. The first add in a quiet period
// arms the flush timer; later adds ride on the same timer.
func (d *expiryDebouncer) add(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, name)

	if d.timer == nil {
		d.timer = d.afterFunc(d.window, d.flush)
	}
}

func (d *expiryDebouncer) flush() {
	d.mu.Lock()
	names := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	if len(names) > 0 {
		d.fire(names)
	}
}

// stop cancels any armed timer and drops pending names.
func (d *expiryDebouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.pending = nil
}

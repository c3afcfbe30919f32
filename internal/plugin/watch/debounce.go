package watch

import (
	"sort"
	"sync"
	"time"
)

// debouncer coalesces changed paths and fires once the stream of changes
// has been quiet for the delay.
type debouncer struct {
	delay time.Duration
	fire  func(paths []string)

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration, fire func(paths []string)) *debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &debouncer{
		delay:   delay,
		fire:    fire,
		pending: make(map[string]bool),
	}
}

// add records a changed path and restarts the quiet period.
func (d *debouncer) add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.pending[path] = true
	if d.timer != nil {
		d.timer.Reset(d.delay)
		return
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

// flush fires pending paths now.
func (d *debouncer) flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.stopped || len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	d.pending = make(map[string]bool)
	d.mu.Unlock()

	sort.Strings(paths)
	d.fire(paths)
}

// stop drops pending paths and disables further firing.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = nil
}

// pendingCount returns the number of paths waiting to fire.
func (d *debouncer) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

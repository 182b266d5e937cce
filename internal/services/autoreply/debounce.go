package autoreply

import (
	"sync"
	"time"
)

type debounceKey struct {
	chatID   string
	senderID string
}

// debouncer collapses message bursts per (chat, sender). Each Trigger
// re-arms the key's timer; fn runs once the window elapses with no
// further triggers.
//
// A fired callback registers itself under the same lock Stop uses to
// mark shutdown, so Stop's wait can never begin between a timer firing
// and its callback being counted.
type debouncer struct {
	mu      sync.Mutex
	stopped bool
	timers  map[debounceKey]*time.Timer
	running sync.WaitGroup
}

func newDebouncer() *debouncer {
	return &debouncer{timers: make(map[debounceKey]*time.Timer)}
}

func (d *debouncer) Trigger(key debounceKey, window time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(window, func() {
		d.mu.Lock()
		// Skip when shut down, or when this timer lost a re-arm race
		// and a newer one owns the key.
		if d.stopped || d.timers[key] != tm {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.running.Add(1)
		d.mu.Unlock()

		defer d.running.Done()
		fn()
	})
	d.timers[key] = tm
}

// Stop cancels pending timers and waits for callbacks already running.
func (d *debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
	d.mu.Unlock()
	d.running.Wait()
}

// Pending reports how many keys currently have an armed timer.
func (d *debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

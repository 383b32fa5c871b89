package service

import (
	"context"
	"sync"
	"time"
)

// Watchdog supervises the worker goroutines. Each worker feeds at least
// four times per timeout; a starved worker trips the expiry hook, which
// terminates the process so the supervisor restarts it.
type Watchdog struct {
	timeout time.Duration
	expired func(worker string)

	mu      sync.Mutex
	workers map[string]time.Time
}

// NewWatchdog creates a watchdog with the given timeout.
func NewWatchdog(timeout time.Duration, expired func(worker string)) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		expired: expired,
		workers: make(map[string]time.Time),
	}
}

// QuarterPeriod is the longest a worker may sleep between feeds.
func (w *Watchdog) QuarterPeriod() time.Duration {
	return w.timeout / 4
}

// Register adds a worker and returns its feed function.
func (w *Watchdog) Register(name string) func() {
	w.mu.Lock()
	w.workers[name] = time.Now()
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		w.workers[name] = time.Now()
		w.mu.Unlock()
	}
}

// Unregister removes a worker, normally at clean shutdown.
func (w *Watchdog) Unregister(name string) {
	w.mu.Lock()
	delete(w.workers, name)
	w.mu.Unlock()
}

// Run checks worker liveness until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.QuarterPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			w.mu.Lock()
			var starved string
			for name, fed := range w.workers {
				if now.Sub(fed) > w.timeout {
					starved = name
					break
				}
			}
			w.mu.Unlock()
			if starved != "" && w.expired != nil {
				w.expired(starved)
				return
			}
		}
	}
}

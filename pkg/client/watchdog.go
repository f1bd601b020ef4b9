package client

import (
	"context"
	"sync"
	"time"

	"meshroom/internal/core/domain"

	"go.uber.org/zap"
)

// maxRecoveryAttempts bounds how many times a target is force-closed before
// the watchdog gives up on it. Rendering resets the counter.
const maxRecoveryAttempts = 3

// Watchdog sweeps the stream store on a fixed interval and flags streams
// that never started rendering. A stream must stay unrendered for one full
// interval before it counts as lost; each loss fires exactly one event.
type Watchdog struct {
	store    *StreamStore
	interval time.Duration

	mu       sync.Mutex
	pending  map[domain.UserID]bool // observed unrendered once already
	attempts map[domain.UserID]int
	stopped  map[domain.UserID]bool

	onLost     func(target domain.UserID)
	onTerminal func(target domain.UserID)

	logger *zap.SugaredLogger
}

func NewWatchdog(store *StreamStore, interval time.Duration, logger *zap.SugaredLogger) *Watchdog {
	return &Watchdog{
		store:    store,
		interval: interval,
		pending:  make(map[domain.UserID]bool),
		attempts: make(map[domain.UserID]int),
		stopped:  make(map[domain.UserID]bool),
		logger:   logger,
	}
}

// OnLost installs the lost-stream callback: close the leg and ask the
// server to forget it.
func (w *Watchdog) OnLost(fn func(target domain.UserID)) { w.onLost = fn }

// OnTerminal installs the give-up callback, fired once per target when the
// attempt cap is exhausted.
func (w *Watchdog) OnTerminal(fn func(target domain.UserID)) { w.onTerminal = fn }

func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	targets := w.store.Targets()
	present := make(map[domain.UserID]bool, len(targets))

	for _, target := range targets {
		present[target] = true
		s, ok := w.store.Get(target)
		if !ok {
			continue
		}
		w.observe(target, s.Rendered())
	}

	// Disarm targets that left the store. Attempts stay: a stream that
	// reappears after a force-close is the same recovery cycle, and only
	// rendering (or Forget) resets the counter.
	w.mu.Lock()
	for target := range w.pending {
		if !present[target] {
			delete(w.pending, target)
		}
	}
	w.mu.Unlock()
}

// Forget drops all state for a target that left the room for good.
func (w *Watchdog) Forget(target domain.UserID) {
	w.mu.Lock()
	delete(w.pending, target)
	delete(w.attempts, target)
	delete(w.stopped, target)
	w.mu.Unlock()
}

func (w *Watchdog) observe(target domain.UserID, rendered bool) {
	w.mu.Lock()

	if rendered {
		delete(w.pending, target)
		delete(w.attempts, target)
		delete(w.stopped, target)
		w.mu.Unlock()
		return
	}

	if w.stopped[target] {
		w.mu.Unlock()
		return
	}

	// First unrendered sighting arms the target; the loss fires on the
	// next sweep, one full interval later.
	if !w.pending[target] {
		w.pending[target] = true
		w.mu.Unlock()
		return
	}

	delete(w.pending, target)
	w.attempts[target]++
	attempts := w.attempts[target]
	terminal := attempts >= maxRecoveryAttempts
	if terminal {
		w.stopped[target] = true
	}
	w.mu.Unlock()

	w.logger.Infow("stream never rendered", "target", target, "attempt", attempts)
	if w.onLost != nil {
		w.onLost(target)
	}
	if terminal && w.onTerminal != nil {
		w.onTerminal(target)
	}
}

// Attempts reports the current recovery attempt count for a target.
func (w *Watchdog) Attempts(target domain.UserID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[target]
}

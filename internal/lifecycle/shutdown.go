package lifecycle

import (
	"context"
	"sort"
	"sync"

	gethlog "github.com/ethereum/go-ethereum/log"
)

// shutdownHandler pairs a priority (lower runs first) with the function to
// run at that priority, per spec §4.8's mandatory ordering.
type shutdownHandler struct {
	priority int
	name     string
	fn       func(context.Context) error
}

// ShutdownSequence runs registered handlers in ascending priority order,
// collecting (not stopping on) individual errors so every handler gets a
// chance to run during an ordered shutdown.
type ShutdownSequence struct {
	mu       sync.Mutex
	handlers []shutdownHandler
	log      gethlog.Logger
}

// NewShutdownSequence constructs an empty sequence.
func NewShutdownSequence(log gethlog.Logger) *ShutdownSequence {
	return &ShutdownSequence{log: log}
}

// Register adds fn to the sequence at priority. Lower priorities run
// first; the mandatory order from spec §4.8 is (1) stop HTTP probes,
// (2) stop the engine and await drain, (3) release the lock, (4) drain
// and close the store pool.
func (s *ShutdownSequence) Register(priority int, name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, shutdownHandler{priority: priority, name: name, fn: fn})
}

// Run executes every registered handler in priority order, returning the
// first error encountered (after attempting every handler).
func (s *ShutdownSequence) Run(ctx context.Context) error {
	s.mu.Lock()
	handlers := make([]shutdownHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].priority < handlers[j].priority })

	var firstErr error
	for _, h := range handlers {
		s.log.Info("shutdown: running handler", "name", h.name, "priority", h.priority)
		if err := h.fn(ctx); err != nil {
			s.log.Error("shutdown: handler failed", "name", h.name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Priority constants matching spec §4.8's mandatory order.
const (
	PriorityStopProbes     = 10
	PriorityStopEngine     = 20
	PriorityReleaseLock    = 30
	PriorityCloseStorePool = 40
)

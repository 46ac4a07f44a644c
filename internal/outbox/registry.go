package outbox

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/envelope"
)

// Handler consumes one event. It runs inside its own savepoint
// transaction tx: returning an error rolls back the handler's writes
// while the event's attempt bookkeeping still commits. Handlers must be
// idempotent; delivery is at-least-once and unordered.
type Handler func(ctx context.Context, tx *gorm.DB, env *envelope.Envelope) error

// Registry maps event names to handlers. It is built once at startup
// and injected into the processor; one handler per name, last
// registration wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.SugaredLogger
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{handlers: make(map[string]Handler), log: log}
}

// Register binds a handler to an event name, replacing any previous
// binding. Multiple independent reactions to one event must be merged
// into a single handler by the caller.
func (r *Registry) Register(eventName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[eventName]; exists {
		r.log.Warnf("handler for %q re-registered, previous binding replaced", eventName)
	}
	r.handlers[eventName] = h
}

// Get resolves the handler for an event name.
func (r *Registry) Get(eventName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventName]
	return h, ok
}

// Registered lists bound event names, sorted.
func (r *Registry) Registered() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

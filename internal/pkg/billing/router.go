package billing

import (
	"context"
	"sort"
)

// HandlerFunc reconciles one verified event.
type HandlerFunc func(ctx context.Context, ev *Event) error

// Router is a dispatch table from event type to handler. Types without a
// handler are acknowledged by the caller rather than rejected.
type Router struct {
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

func (r *Router) Handle(eventType string, h HandlerFunc) {
	r.handlers[eventType] = h
}

func (r *Router) Lookup(eventType string) (HandlerFunc, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists the registered event types in sorted order.
func (r *Router) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

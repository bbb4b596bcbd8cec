// Package commbus provides the engine's in-process reporting bus.
//
// The coordinator publishes tick and process events; the daemon subscribes
// to them for reports and health, and drives the coordinator through a
// command and a query.
//
// Message Categories:
//   - event: fire-and-forget, fan-out to all subscribers
//   - command: fire-and-forget, single handler
//   - query: request-response with timeout, single handler
package commbus

import (
	"context"
)

// Logger interface for the bus.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Message is the protocol for all commbus messages.
type Message interface {
	// Category returns the message category: "event", "query", or "command".
	Category() string
}

// Query is the protocol for query messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// HandlerFunc processes a message and returns a response for queries.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware intercepts messages before and after handling.
type Middleware interface {
	// Before is called before message is handled.
	// Returns modified message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after message is handled.
	// Returns modified result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the communication bus.
type CommBus interface {
	// Publish fans an event out to all subscribers.
	Publish(ctx context.Context, event Message) error
	// Send delivers a command to its handler.
	Send(ctx context.Context, command Message) error
	// QuerySync sends a query and waits for the response.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe registers an event subscriber. Returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()
	// RegisterHandler registers the single handler for a command or query type.
	RegisterHandler(messageType string, handler HandlerFunc) error
	// AddMiddleware appends middleware to the chain.
	AddMiddleware(middleware Middleware)
	// HasHandler reports whether a handler is registered for messageType.
	HasHandler(messageType string) bool
}

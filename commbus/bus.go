package commbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

const defaultQueryTimeout = 30 * time.Second

// subscription is one registered event subscriber.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// handlerPanic is a panic recovered from a handler.
type handlerPanic struct {
	messageType string
	value       any
}

func (p *handlerPanic) Error() string {
	return fmt.Sprintf("handler for %s panicked: %v", p.messageType, p.value)
}

// InMemoryCommBus is an in-memory implementation of CommBus.
//
// Thread-safe message bus for a single process.
//
// Usage:
//
//	bus := NewInMemoryCommBus(5*time.Second, logger)
//
//	// Register handlers
//	bus.RegisterHandler("GetSchedulerStatus", statusHandler)
//	bus.Subscribe("TickCompleted", reportHandler)
//
//	// Use the bus
//	bus.Publish(ctx, &TickCompleted{...})
//	status, _ := bus.QuerySync(ctx, &GetSchedulerStatus{})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	logger       Logger
	nextID       uint64
	mu           sync.RWMutex
}

// NewInMemoryCommBus creates a new InMemoryCommBus. A non-positive
// queryTimeout uses 30s.
func NewInMemoryCommBus(queryTimeout time.Duration, logger Logger) *InMemoryCommBus {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers an event to every subscriber concurrently and waits for
// them. Subscriber failures are logged and never returned; only a
// middleware rejection fails the publish.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processed, err := b.before(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		b.debug("commbus_event_aborted", "type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[eventType]...)
	b.mu.RUnlock()

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = invoke(ctx, eventType, sub.handler, processed)
		}()
	}
	wg.Wait()

	for _, e := range errs {
		b.logSubscriberError(eventType, e)
	}

	_, _ = b.after(ctx, event, nil, errors.Join(errs...))
	return nil
}

// Send delivers a command to its handler and returns the handler's error.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.before(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		b.debug("commbus_command_aborted", "type", messageType)
		return nil
	}

	handler, ok := b.handler(messageType)
	if !ok {
		return NewNoHandlerError(messageType)
	}

	_, handlerErr := invoke(ctx, messageType, handler, processed)
	_, _ = b.after(ctx, command, nil, handlerErr)
	return handlerErr
}

// QuerySync sends a query and waits up to the bus query timeout for the
// answer. A query aborted by middleware is reported as unhandled.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.before(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, NewNoHandlerError(messageType)
	}

	handler, ok := b.handler(messageType)
	if !ok {
		return nil, NewNoHandlerError(messageType)
	}

	queryCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type answer struct {
		value any
		err   error
	}
	answerCh := make(chan answer, 1)
	go func() {
		v, e := invoke(queryCtx, messageType, handler, processed)
		answerCh <- answer{value: v, err: e}
	}()

	select {
	case <-queryCtx.Done():
		// Caller cancellation is reported as is, not as a bus timeout
		err := ctx.Err()
		if err == nil {
			err = &QueryTimeoutError{MessageType: messageType, Timeout: b.queryTimeout}
		}
		_, _ = b.after(ctx, query, nil, err)
		return nil, err
	case a := <-answerCh:
		result, mwErr := b.after(ctx, query, a.value, a.err)
		if mwErr != nil {
			return result, mwErr
		}
		return result, a.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe subscribes to an event type.
// Returns an unsubscribe function; calling it more than once is harmless.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.debug("commbus_subscribed", "type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandler registers the single handler for a command or query type.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return &HandlerAlreadyRegisteredError{MessageType: messageType}
	}
	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware appends middleware. Before hooks run in registration
// order, After hooks in reverse.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler reports whether a handler is registered for messageType.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	_, ok := b.handler(messageType)
	return ok
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// GetRegisteredTypes returns every message type with a handler or at least
// one subscriber, sorted.
func (b *InMemoryCommBus) GetRegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{}, len(b.handlers)+len(b.subscribers))
	for t := range b.handlers {
		seen[t] = struct{}{}
	}
	for t, subs := range b.subscribers {
		if len(subs) > 0 {
			seen[t] = struct{}{}
		}
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// invoke calls h, converting a panic into a *handlerPanic error.
func invoke(ctx context.Context, messageType string, h HandlerFunc, msg Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, &handlerPanic{messageType: messageType, value: r}
		}
	}()
	return h(ctx, msg)
}

func (b *InMemoryCommBus) handler(messageType string) (HandlerFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[messageType]
	return h, ok
}

func (b *InMemoryCommBus) logSubscriberError(eventType string, err error) {
	if err == nil || b.logger == nil {
		return
	}
	var p *handlerPanic
	if errors.As(err, &p) {
		b.logger.Error("commbus_subscriber_panic", "type", eventType, "panic", fmt.Sprint(p.value))
		return
	}
	b.logger.Warn("commbus_subscriber_failed", "type", eventType, "error", err.Error())
}

func (b *InMemoryCommBus) debug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, keysAndValues...)
	}
}

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Middleware(nil), b.middleware...)
}

// before runs the Before hooks in order. A nil message aborts delivery.
func (b *InMemoryCommBus) before(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		next, err := mw.Before(ctx, current)
		if err != nil || next == nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// after runs the After hooks in reverse order.
func (b *InMemoryCommBus) after(ctx context.Context, message Message, result any, err error) (any, error) {
	mws := b.middlewareSnapshot()
	for i := len(mws) - 1; i >= 0; i-- {
		next, afterErr := mws[i].After(ctx, message, result, err)
		if afterErr != nil {
			err = afterErr
		}
		if next != nil {
			result = next
		}
	}
	return result, err
}

// Ensure InMemoryCommBus implements CommBus interface.
var _ CommBus = (*InMemoryCommBus)(nil)

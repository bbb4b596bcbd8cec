package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(time.Second, nil)
}

// testLogger records "LEVEL: msg" lines.
type testLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *testLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+": "+msg)
}

func (l *testLogger) Debug(msg string, _ ...any) { l.record("DEBUG", msg) }
func (l *testLogger) Info(msg string, _ ...any)  { l.record("INFO", msg) }
func (l *testLogger) Warn(msg string, _ ...any)  { l.record("WARN", msg) }
func (l *testLogger) Error(msg string, _ ...any) { l.record("ERROR", msg) }

func (l *testLogger) has(line string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.lines {
		if got == line {
			return true
		}
	}
	return false
}

// trackingMiddleware records call order.
type trackingMiddleware struct {
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

// abortingMiddleware aborts processing by returning nil.
type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (m *abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// errorMiddleware returns error from Before.
type errorMiddleware struct{}

func (m *errorMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, errors.New("middleware error")
}

func (m *errorMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	bus := newTestBus()
	var count1, count2 int32

	bus.Subscribe("TickCompleted", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&count1, 1)
		assert.Equal(t, "tick-1", msg.(*TickCompleted).TickID)
		return nil, nil
	})
	bus.Subscribe("TickCompleted", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&count2, 1)
		return nil, nil
	})

	err := bus.Publish(context.Background(), &TickCompleted{TickID: "tick-1"})
	require.NoError(t, err)

	// Publish waits for subscribers
	assert.Equal(t, int32(1), atomic.LoadInt32(&count1))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count2))
}

func TestPublish_NoSubscribers(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), &ProcessCleaned{PID: 42}))
}

func TestPublish_SubscriberErrorDoesNotStopOthers(t *testing.T) {
	logger := &testLogger{}
	bus := NewInMemoryCommBus(time.Second, logger)
	var delivered int32

	bus.Subscribe("ProcessCleaned", func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New("report sink down")
	})
	bus.Subscribe("ProcessCleaned", func(ctx context.Context, msg Message) (any, error) {
		panic("boom")
	})
	bus.Subscribe("ProcessCleaned", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&delivered, 1)
		return nil, nil
	})

	err := bus.Publish(context.Background(), &ProcessCleaned{PID: 7})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
	assert.True(t, logger.has("WARN: commbus_subscriber_failed"))
	assert.True(t, logger.has("ERROR: commbus_subscriber_panic"))
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	var count int32

	unsubscribe := bus.Subscribe("SchedulerStateChanged", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&count, 1)
		return nil, nil
	})
	other := bus.Subscribe("SchedulerStateChanged", func(ctx context.Context, msg Message) (any, error) {
		return nil, nil
	})

	_ = bus.Publish(context.Background(), &SchedulerStateChanged{Running: true})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 1, bus.SubscriberCount("SchedulerStateChanged"))

	_ = bus.Publish(context.Background(), &SchedulerStateChanged{Running: false})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))

	other()
	assert.Equal(t, 0, bus.SubscriberCount("SchedulerStateChanged"))
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestSend(t *testing.T) {
	bus := newTestBus()
	var reason string

	require.NoError(t, bus.RegisterHandler("TriggerTick", func(ctx context.Context, msg Message) (any, error) {
		reason = msg.(*TriggerTick).Reason
		return nil, nil
	}))

	require.NoError(t, bus.Send(context.Background(), &TriggerTick{Reason: "manual"}))
	assert.Equal(t, "manual", reason)
}

func TestSend_NoHandler(t *testing.T) {
	err := newTestBus().Send(context.Background(), &TriggerTick{})

	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "TriggerTick", noHandler.MessageType)
}

func TestSend_HandlerError(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("TriggerTick", func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New("tick in progress")
	}))

	err := bus.Send(context.Background(), &TriggerTick{})
	assert.EqualError(t, err, "tick in progress")
}

func TestSend_HandlerPanic(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("TriggerTick", func(ctx context.Context, msg Message) (any, error) {
		panic("coordinator gone")
	}))

	err := bus.Send(context.Background(), &TriggerTick{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler for TriggerTick panicked: coordinator gone")
}

func TestRegisterHandler_Duplicate(t *testing.T) {
	bus := newTestBus()
	h := func(ctx context.Context, msg Message) (any, error) { return nil, nil }

	require.NoError(t, bus.RegisterHandler("TriggerTick", h))
	err := bus.RegisterHandler("TriggerTick", h)

	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.True(t, bus.HasHandler("TriggerTick"))
	assert.False(t, bus.HasHandler("GetSchedulerStatus"))
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestQuerySync(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("GetSchedulerStatus", func(ctx context.Context, msg Message) (any, error) {
		return map[string]any{"running": true}, nil
	}))

	result, err := bus.QuerySync(context.Background(), &GetSchedulerStatus{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"running": true}, result)
}

func TestQuerySync_NoHandler(t *testing.T) {
	_, err := newTestBus().QuerySync(context.Background(), &GetSchedulerStatus{})

	var noHandler *NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestQuerySync_Timeout(t *testing.T) {
	bus := NewInMemoryCommBus(20*time.Millisecond, nil)
	require.NoError(t, bus.RegisterHandler("GetSchedulerStatus", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &GetSchedulerStatus{})

	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "GetSchedulerStatus")
}

func TestQuerySync_CallerCanceled(t *testing.T) {
	bus := NewInMemoryCommBus(time.Second, nil)
	require.NoError(t, bus.RegisterHandler("GetSchedulerStatus", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := bus.QuerySync(ctx, &GetSchedulerStatus{})

	assert.ErrorIs(t, err, context.Canceled)
	var timeout *QueryTimeoutError
	assert.False(t, errors.As(err, &timeout))
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestMiddleware_Order(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex

	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "first"})
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "second"})
	require.NoError(t, bus.RegisterHandler("TriggerTick", func(ctx context.Context, msg Message) (any, error) {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return nil, nil
	}))

	require.NoError(t, bus.Send(context.Background(), &TriggerTick{}))
	assert.Equal(t, []string{"first-before", "second-before", "handler", "second-after", "first-after"}, order)
}

func TestMiddleware_Abort(t *testing.T) {
	bus := newTestBus()
	var called int32
	bus.AddMiddleware(&abortingMiddleware{})
	bus.Subscribe("TickCompleted", func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&called, 1)
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), &TickCompleted{}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&called))
}

func TestMiddleware_BeforeError(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&errorMiddleware{})

	err := bus.Publish(context.Background(), &TickCompleted{})
	assert.EqualError(t, err, "middleware error")
}

func TestLoggingMiddleware(t *testing.T) {
	logger := &testLogger{}
	bus := newTestBus()
	bus.AddMiddleware(NewLoggingMiddleware(logger))
	require.NoError(t, bus.RegisterHandler("TriggerTick", func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New("busy")
	}))

	_ = bus.Publish(context.Background(), &TickCompleted{})
	_ = bus.Send(context.Background(), &TriggerTick{})

	assert.True(t, logger.has("DEBUG: commbus_message_received"))
	assert.True(t, logger.has("DEBUG: commbus_message_completed"))
	assert.True(t, logger.has("WARN: commbus_message_failed"))
}

func TestGetRegisteredTypes(t *testing.T) {
	bus := newTestBus()
	h := func(ctx context.Context, msg Message) (any, error) { return nil, nil }
	_ = bus.RegisterHandler("TriggerTick", h)
	bus.Subscribe("TickCompleted", h)
	unsub := bus.Subscribe("ProcessCleaned", h)
	unsub()

	assert.Equal(t, []string{"TickCompleted", "TriggerTick"}, bus.GetRegisteredTypes())
}

package commbus

import (
	"context"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and failures at warn.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	if m.logger != nil {
		m.logger.Debug("commbus_message_received",
			"category", message.Category(),
			"type", GetMessageType(message),
		)
	}
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if m.logger == nil {
		return result, nil
	}
	msgType := GetMessageType(message)
	if err != nil {
		m.logger.Warn("commbus_message_failed", "type", msgType, "error", err.Error())
	} else {
		m.logger.Debug("commbus_message_completed", "type", msgType)
	}
	return result, nil
}

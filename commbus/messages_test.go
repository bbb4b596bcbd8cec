package commbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageCategories(t *testing.T) {
	tests := []struct {
		msg      Message
		category string
		msgType  string
	}{
		{&TickCompleted{}, "event", "TickCompleted"},
		{&ProcessCleaned{}, "event", "ProcessCleaned"},
		{&SchedulerStateChanged{}, "event", "SchedulerStateChanged"},
		{&TriggerTick{}, "command", "TriggerTick"},
		{&GetSchedulerStatus{}, "query", "GetSchedulerStatus"},
	}

	for _, tt := range tests {
		t.Run(tt.msgType, func(t *testing.T) {
			assert.Equal(t, tt.category, tt.msg.Category())
			assert.Equal(t, tt.msgType, GetMessageType(tt.msg))
		})
	}
}

type customMessage struct{}

func (m *customMessage) Category() string    { return "event" }
func (m *customMessage) MessageType() string { return "Custom" }

type anonymousMessage struct{}

func (m *anonymousMessage) Category() string { return "event" }

func TestGetMessageType_TypedAndUnknown(t *testing.T) {
	assert.Equal(t, "Custom", GetMessageType(&customMessage{}))
	assert.Equal(t, "Unknown", GetMessageType(&anonymousMessage{}))
}

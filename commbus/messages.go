package commbus

import "time"

// MessageCategory is the routing category of a message.
type MessageCategory string

const (
	MessageCategoryEvent   MessageCategory = "event"
	MessageCategoryQuery   MessageCategory = "query"
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// EVENTS
// =============================================================================

// TickCompleted is published after every cleanup tick.
type TickCompleted struct {
	TickID           string    `json:"tick_id"`
	Trigger          string    `json:"trigger"`
	StartedAt        time.Time `json:"started_at"`
	DurationMS       int64     `json:"duration_ms"`
	CacheExpired     int       `json:"cache_expired"`
	CacheEvicted     int       `json:"cache_evicted"`
	CacheBytesFreed  int64     `json:"cache_bytes_freed"`
	ProcessesChecked int       `json:"processes_checked"`
	ProcessesExited  int       `json:"processes_exited"`
	FilesMatched     int       `json:"files_matched"`
	FilesActed       int       `json:"files_acted"`
	SweepBytesFreed  int64     `json:"sweep_bytes_freed"`
	Errors           []string  `json:"errors,omitempty"`
}

func (m *TickCompleted) Category() string { return string(MessageCategoryEvent) }

// ProcessCleaned is published after a coordinator-driven termination.
type ProcessCleaned struct {
	PID        int    `json:"pid"`
	Strategy   string `json:"strategy"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

func (m *ProcessCleaned) Category() string { return string(MessageCategoryEvent) }

// SchedulerStateChanged is published when the background loop starts or stops.
type SchedulerStateChanged struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
}

func (m *SchedulerStateChanged) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// COMMANDS
// =============================================================================

// TriggerTick asks the coordinator to run one tick now.
type TriggerTick struct {
	Reason string `json:"reason,omitempty"`
}

func (m *TriggerTick) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// QUERIES
// =============================================================================

// GetSchedulerStatus asks the coordinator for its status snapshot.
type GetSchedulerStatus struct{}

func (m *GetSchedulerStatus) Category() string { return string(MessageCategoryQuery) }

// IsQuery marks GetSchedulerStatus as a query.
func (m *GetSchedulerStatus) IsQuery() {}

// =============================================================================
// MESSAGE TYPE RESOLUTION
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *TickCompleted:
		return "TickCompleted"
	case *ProcessCleaned:
		return "ProcessCleaned"
	case *SchedulerStateChanged:
		return "SchedulerStateChanged"
	case *TriggerTick:
		return "TriggerTick"
	case *GetSchedulerStatus:
		return "GetSchedulerStatus"
	default:
		return "Unknown"
	}
}

package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// POLL EVENTS
// =============================================================================

type PollCompletedPayload struct {
	Cycle       uint64        `json:"cycle"`
	Rows        int           `json:"rows"`
	Changes     int           `json:"changes"`
	Quarantined int           `json:"quarantined"`
	Duration    time.Duration `json:"duration"`
}

func (PollCompletedPayload) EventType() EventType { return EventPollCompleted }

type PollFailedPayload struct {
	Cycle uint64 `json:"cycle"`
	Error string `json:"error"`
}

func (PollFailedPayload) EventType() EventType { return EventPollFailed }

// =============================================================================
// ROW CHANGE EVENTS
// =============================================================================

// TaskChangedPayload mirrors source.ChangeEvent plus the fields consumers
// route on (assignee, current status) so they don't need a second fetch.
type TaskChangedPayload struct {
	TaskID     string    `json:"task_id"`
	Field      string    `json:"field"`
	Old        string    `json:"old"`
	New        string    `json:"new"`
	Assignee   string    `json:"assignee"`
	Status     string    `json:"status"`
	Version    string    `json:"version,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

func (TaskChangedPayload) EventType() EventType { return EventTaskChanged }

type TaskQuarantinedPayload struct {
	TaskID    string `json:"task_id"`
	RawStatus string `json:"raw_status"`
	Reason    string `json:"reason"`
}

func (TaskQuarantinedPayload) EventType() EventType { return EventTaskQuarantined }

// =============================================================================
// WORKER EVENTS
// =============================================================================

type TaskClaimedPayload struct {
	TaskID   string `json:"task_id"`
	Assignee string `json:"assignee"`
	Action   string `json:"action"`
}

func (TaskClaimedPayload) EventType() EventType { return EventTaskClaimed }

type TaskCompletedPayload struct {
	TaskID   string        `json:"task_id"`
	Assignee string        `json:"assignee"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (TaskCompletedPayload) EventType() EventType { return EventTaskCompleted }

type TaskBlockedPayload struct {
	TaskID   string `json:"task_id"`
	Assignee string `json:"assignee"`
	Error    string `json:"error"`
}

func (TaskBlockedPayload) EventType() EventType { return EventTaskBlocked }

// =============================================================================
// NOTIFIER EVENTS
// =============================================================================

type NotifySentPayload struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
}

func (NotifySentPayload) EventType() EventType { return EventNotifySent }

type NotifyFailedPayload struct {
	TaskID  string `json:"task_id"`
	Channel string `json:"channel"`
	Error   string `json:"error"`
}

func (NotifyFailedPayload) EventType() EventType { return EventNotifyFailed }

// =============================================================================
// GATEWAY EVENTS
// =============================================================================

// SourcePushPayload is published when a source's webhook receiver is hit.
// The scheduler treats it as a request for an immediate poll cycle.
type SourcePushPayload struct {
	Origin string `json:"origin,omitempty"` // remote address or integration name
}

func (SourcePushPayload) EventType() EventType { return EventSourcePush }

// =============================================================================
// TYPED EVENT CONSTRUCTOR
// =============================================================================

// ExtractPayload decodes an event's payload map back into a typed payload.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var out T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

// NewTypedEvent builds an Event from a typed payload. The payload is
// round-tripped through JSON so the bus stays schemaless for consumers like
// the WS hub and the event log.
func NewTypedEvent(source EventSource, sourceName string, payload EventPayload) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		return NewEvent(payload.EventType(), source, sourceName, map[string]any{"error": err.Error()})
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		m = map[string]any{"error": err.Error()}
	}

	return NewEvent(payload.EventType(), source, sourceName, m)
}

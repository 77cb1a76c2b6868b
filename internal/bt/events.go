package bt

import "time"

// EventType names a collaborator-facing event.
type EventType string

const (
	EventScanStarted            EventType = "scan_started"
	EventDeviceFound            EventType = "device_found"
	EventTargetFound            EventType = "target_found"
	EventScanFinished           EventType = "scan_finished"
	EventScanFailed             EventType = "scan_failed"
	EventConnectionStateChanged EventType = "connection_state"
	EventBondStateChanged       EventType = "bond_state"
	EventDataReceived           EventType = "data"
	EventMTUChanged             EventType = "mtu"
	EventError                  EventType = "error"
)

// DataSource tells where a DataReceived payload came from.
type DataSource string

const (
	SourceStream       DataSource = "stream"
	SourceRead         DataSource = "read"
	SourceNotification DataSource = "notification"
)

// Event is emitted by the Controller. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Device    *DeviceRef      `json:"device,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	State     ConnectionState `json:"-"`
	StateName string          `json:"state,omitempty"`
	Bond      string          `json:"bond,omitempty"`
	Count     int             `json:"count,omitempty"`
	Code      int             `json:"code,omitempty"`
	MTU       int             `json:"mtu,omitempty"`
	Source    DataSource      `json:"source,omitempty"`
	Text      string          `json:"text,omitempty"`
	Message   string          `json:"message,omitempty"`
	Err       error           `json:"-"`
}

func deviceEvent(t EventType, d DeviceRef) Event {
	return Event{Type: t, Device: &d}
}

func stateEvent(s ConnectionState, d DeviceRef) Event {
	return Event{Type: EventConnectionStateChanged, State: s, StateName: s.String(), Device: &d}
}

func dataEvent(src DataSource, text string) Event {
	return Event{Type: EventDataReceived, Source: src, Text: text}
}

func errorEvent(err error) Event {
	return Event{Type: EventError, Message: err.Error(), Err: err}
}

package event

import "time"

// Event type constants published by the call orchestrator.
const (
	TypeCallStarted = "call.started"
	TypeCallTurn    = "call.turn"
	TypeCallBargeIn = "call.barge_in"
	TypeCallTool    = "call.tool"
	TypeCallEnded   = "call.ended"
)

// Event is a call lifecycle notification delivered over the bus.
type Event struct {
	Type      string            `json:"type"`
	CallSID   string            `json:"call_sid"`
	Turn      uint64            `json:"turn,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

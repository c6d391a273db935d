package storage

import (
	"time"

	"gorm.io/gorm"
)

// CallRecord represents one completed or in-progress call.
type CallRecord struct {
	SID          string         `gorm:"primaryKey" json:"sid"`
	From         string         `gorm:"index" json:"from"`
	To           string         `json:"to"`
	Direction    string         `json:"direction"` // "inbound" or "outbound"
	Status       string         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	Turns        int            `json:"turns"`
	RecordingURL string         `json:"recording_url"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`

	Transcript []TranscriptEntry `gorm:"foreignKey:CallSID" json:"transcript"`
	ToolCalls  []ToolCallRecord  `gorm:"foreignKey:CallSID" json:"tool_calls"`
}

// TranscriptEntry is one line of the call transcript.
type TranscriptEntry struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CallSID   string    `gorm:"index" json:"call_sid"`
	Turn      uint64    `json:"turn"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCallRecord is one tool invocation made during a call.
type ToolCallRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CallSID   string    `gorm:"index" json:"call_sid"`
	Turn      uint64    `json:"turn"`
	Name      string    `json:"name"`
	Arguments string    `json:"arguments"` // JSON
	Result    string    `json:"result"`
	Failed    bool      `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

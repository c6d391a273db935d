package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func initTestDB(t *testing.T) {
	t.Helper()
	if err := Init(filepath.Join(t.TempDir(), "calls.db")); err != nil {
		t.Fatal(err)
	}
}

func TestSaveAndGetCall(t *testing.T) {
	initTestDB(t)

	call := &CallRecord{
		SID:       "CA1",
		From:      "+15551112222",
		To:        "+15550009999",
		Direction: "inbound",
		Status:    "completed",
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
		Turns:     2,
		Transcript: []TranscriptEntry{
			{CallSID: "CA1", Turn: 1, Role: "user", Content: "hello"},
			{CallSID: "CA1", Turn: 1, Role: "assistant", Content: "hi there"},
		},
		ToolCalls: []ToolCallRecord{
			{CallSID: "CA1", Turn: 2, Name: "end_call", Result: "Call ended successfully."},
		},
	}
	if err := SaveCall(call); err != nil {
		t.Fatal(err)
	}

	got, err := GetCall("CA1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Transcript) != 2 || got.Transcript[0].Content != "hello" {
		t.Errorf("transcript = %+v", got.Transcript)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "end_call" {
		t.Errorf("tool calls = %+v", got.ToolCalls)
	}
}

func TestListCallsNewestFirst(t *testing.T) {
	initTestDB(t)

	base := time.Now()
	for i, sid := range []string{"CA1", "CA2", "CA3"} {
		call := &CallRecord{SID: sid, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := SaveCall(call); err != nil {
			t.Fatal(err)
		}
	}

	calls, err := ListCalls(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0].SID != "CA3" || calls[1].SID != "CA2" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestGetCallMissing(t *testing.T) {
	initTestDB(t)
	if _, err := GetCall("CA404"); err == nil {
		t.Error("expected error for missing call")
	}
}

package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeEmbedder struct {
	fail  bool
	delay time.Duration
}

func (f *fakeEmbedder) Dimensions() uint64 { return 3 }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	return []float32{1, 2, 3}, nil
}

type fakeStore struct {
	upserts  []TurnPoint
	snippets []Snippet
	recent   []Snippet
	fail     bool

	lastExclude string
}

func (f *fakeStore) UpsertTurn(ctx context.Context, vector []float32, p TurnPoint) error {
	if f.fail {
		return fmt.Errorf("store down")
	}
	f.upserts = append(f.upserts, p)
	return nil
}

func (f *fakeStore) Search(ctx context.Context, vector []float32, phone, excludeCallSID string, limit int, threshold float32) ([]Snippet, error) {
	if f.fail {
		return nil, fmt.Errorf("store down")
	}
	f.lastExclude = excludeCallSID
	return f.snippets, nil
}

func (f *fakeStore) Recent(ctx context.Context, phone string, limit int) ([]Snippet, error) {
	if f.fail {
		return nil, fmt.Errorf("store down")
	}
	return f.recent, nil
}

func TestRetrieveReturnsSnippets(t *testing.T) {
	store := &fakeStore{snippets: []Snippet{{Text: "asked about pricing", Score: 0.9}}}
	m := New(&fakeEmbedder{}, store, Options{})

	got := m.Retrieve(context.Background(), "+1555", "pricing", "CA1")
	if len(got) != 1 || got[0].Text != "asked about pricing" {
		t.Errorf("got %+v", got)
	}
	if store.lastExclude != "CA1" {
		t.Error("current call must be excluded from retrieval")
	}
}

func TestRetrieveDegradesOnBackendFailure(t *testing.T) {
	m := New(&fakeEmbedder{}, &fakeStore{fail: true}, Options{})
	if got := m.Retrieve(context.Background(), "+1555", "q", ""); got != nil {
		t.Errorf("expected nil on failure, got %+v", got)
	}
}

func TestRetrieveDegradesOnTimeout(t *testing.T) {
	m := New(&fakeEmbedder{delay: 200 * time.Millisecond}, &fakeStore{}, Options{RetrieveTimeout: 20 * time.Millisecond})

	start := time.Now()
	got := m.Retrieve(context.Background(), "+1555", "q", "")
	if got != nil {
		t.Errorf("expected nil on timeout, got %+v", got)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("retrieval must respect its timeout")
	}
}

func TestStoreTurnChunksLongText(t *testing.T) {
	store := &fakeStore{}
	m := New(&fakeEmbedder{}, store, Options{})

	long := strings.Repeat("The caller explained the issue in detail. ", 30)
	m.StoreTurn(context.Background(), "+1555", "CA1", 2, long, "Understood.")

	if len(store.upserts) < 2 {
		t.Fatalf("long turn must be chunked, got %d points", len(store.upserts))
	}
	for i, p := range store.upserts {
		if p.ChunkIndex != i || p.TotalChunks != len(store.upserts) {
			t.Errorf("point %d has chunk %d/%d", i, p.ChunkIndex, p.TotalChunks)
		}
		if p.Phone != "+1555" || p.CallSID != "CA1" || p.Interaction != 2 {
			t.Errorf("point %d metadata = %+v", i, p)
		}
	}
}

func TestCallerHistoryGroupsByCall(t *testing.T) {
	store := &fakeStore{recent: []Snippet{
		{CallSID: "CA1", Timestamp: "2026-08-01T10:00:00Z", UserMessage: "book a slot", AssistantMessage: "done"},
		{CallSID: "CA1", Timestamp: "2026-08-01T10:00:00Z", UserMessage: "thanks", AssistantMessage: "welcome"},
		{CallSID: "CA2", Timestamp: "2026-08-10T12:00:00Z", UserMessage: "cancel it", AssistantMessage: "cancelled"},
	}}
	m := New(&fakeEmbedder{}, store, Options{})

	summary := m.CallerHistory(context.Background(), "+1555")
	if !strings.Contains(summary, "Call from 2026-08-01") || !strings.Contains(summary, "Call from 2026-08-10") {
		t.Errorf("summary = %q", summary)
	}
	if !strings.Contains(summary, "book a slot") || !strings.Contains(summary, "cancel it") {
		t.Errorf("summary = %q", summary)
	}
}

func TestCallerHistoryEmptyForNewCaller(t *testing.T) {
	m := New(&fakeEmbedder{}, &fakeStore{}, Options{})
	if got := m.CallerHistory(context.Background(), "+1555"); got != "" {
		t.Errorf("summary = %q", got)
	}
}

func TestFormat(t *testing.T) {
	if Format(nil) != "" {
		t.Error("no snippets must format to empty")
	}
	out := Format([]Snippet{{Text: "a"}, {Text: "b"}})
	if !strings.Contains(out, "- a") || !strings.Contains(out, "- b") {
		t.Errorf("out = %q", out)
	}
}

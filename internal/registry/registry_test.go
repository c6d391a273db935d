package registry

import (
	"sync"
	"testing"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/session"
)

func testSession(sid string) *session.Session {
	return session.New(session.Params{SID: sid, From: "+1555"})
}

func TestInsertLookupRemove(t *testing.T) {
	r := New()
	s := testSession("CA1")

	if !r.Insert(s) {
		t.Fatal("insert failed")
	}
	if r.Insert(testSession("CA1")) {
		t.Error("duplicate SID must be rejected")
	}

	got, ok := r.Lookup("CA1")
	if !ok || got.SID() != "CA1" {
		t.Errorf("lookup = %v, %v", got, ok)
	}

	r.Remove("CA1")
	if _, ok := r.Lookup("CA1"); ok {
		t.Error("removed session still present")
	}
	r.Remove("CA1") // idempotent
}

func TestListSnapshots(t *testing.T) {
	r := New()
	r.Insert(testSession("CA1"))
	r.Insert(testSession("CA2"))

	snaps := r.List()
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots", len(snaps))
	}
	seen := map[string]bool{}
	for _, s := range snaps {
		seen[s.SID] = true
	}
	if !seen["CA1"] || !seen["CA2"] {
		t.Errorf("snapshots = %+v", snaps)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sid := string(rune('A' + n))
			r.Insert(testSession(sid))
			r.Lookup(sid)
			r.List()
			r.Remove(sid)
		}(i)
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("len = %d", r.Len())
	}
}

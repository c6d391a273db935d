package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// dialTestStream spins up a websocket pair and runs Accept on the server
// side. The returned client connection plays the telephony provider.
func dialTestStream(t *testing.T) (*Stream, StartInfo, *websocket.Conn) {
	t.Helper()

	streamCh := make(chan *Stream, 1)
	infoCh := make(chan StartInfo, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s, info, err := Accept(conn)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		streamCh <- s
		infoCh <- info
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	writeClientJSON(t, client, map[string]any{"event": "connected"})
	writeClientJSON(t, client, map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MZ123",
			"callSid":   "CA456",
			"from":      "+15550001111",
			"to":        "+15550002222",
		},
	})

	select {
	case s := <-streamCh:
		return s, <-infoCh, client
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not complete")
		return nil, StartInfo{}, nil
	}
}

func writeClientJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func readClientJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("client decode: %v", err)
	}
	return msg
}

func TestAcceptParsesStart(t *testing.T) {
	s, info, _ := dialTestStream(t)
	defer s.Close()

	if info.CallSID != "CA456" || info.StreamSID != "MZ123" {
		t.Errorf("info = %+v", info)
	}
	if info.From != "+15550001111" {
		t.Errorf("from = %q", info.From)
	}
}

func TestInboundMediaDecoded(t *testing.T) {
	s, _, client := dialTestStream(t)
	defer s.Close()

	payload := []byte{0x01, 0x02, 0x03}
	writeClientJSON(t, client, map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(payload)},
	})

	select {
	case frame := <-s.Frames():
		if string(frame) != string(payload) {
			t.Errorf("frame = %v, want %v", frame, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestWriteAudioSendsMediaAndMark(t *testing.T) {
	s, _, client := dialTestStream(t)
	defer s.Close()

	if err := s.WriteAudio(context.Background(), []byte("audio-bytes")); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}

	media := readClientJSON(t, client)
	if media["event"] != "media" {
		t.Fatalf("first message event = %v, want media", media["event"])
	}
	mark := readClientJSON(t, client)
	if mark["event"] != "mark" {
		t.Fatalf("second message event = %v, want mark", mark["event"])
	}
	if s.Marks() != 1 {
		t.Errorf("outstanding marks = %d, want 1", s.Marks())
	}

	// Provider acknowledges playout.
	name := mark["mark"].(map[string]any)["name"].(string)
	writeClientJSON(t, client, map[string]any{
		"event": "mark",
		"mark":  map[string]any{"name": name},
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.Marks() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("mark never acknowledged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClearDropsMarks(t *testing.T) {
	s, _, client := dialTestStream(t)
	defer s.Close()

	if err := s.WriteAudio(context.Background(), []byte("x")); err != nil {
		t.Fatalf("WriteAudio: %v", err)
	}
	readClientJSON(t, client) // media
	readClientJSON(t, client) // mark

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Marks() != 0 {
		t.Errorf("marks after clear = %d, want 0", s.Marks())
	}
	clear := readClientJSON(t, client)
	if clear["event"] != "clear" {
		t.Errorf("event = %v, want clear", clear["event"])
	}
}

func TestWriteAfterCloseReturnsErrClosed(t *testing.T) {
	s, _, client := dialTestStream(t)

	client.Close()
	select {
	case <-s.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("stream never observed closure")
	}

	if err := s.WriteAudio(context.Background(), []byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteAudio after close = %v, want ErrClosed", err)
	}
	if err := s.Clear(); !errors.Is(err, ErrClosed) {
		t.Errorf("Clear after close = %v, want ErrClosed", err)
	}
}

func TestStopEventClosesStream(t *testing.T) {
	s, _, client := dialTestStream(t)

	writeClientJSON(t, client, map[string]any{"event": "stop"})

	select {
	case <-s.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("stop event did not close stream")
	}

	// Frames channel drains and closes.
	for range s.Frames() {
	}
}

// Package transport terminates the bidirectional media-stream websocket
// for one call: it decodes inbound audio frames and writes ordered
// outbound audio with mark-based playout tracking.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned for any operation on a stream whose underlying
// connection has gone away. Callers treat it as call-ended, never retry.
var ErrClosed = errors.New("transport: stream closed")

// Stream wraps one media-stream websocket connection. Inbound frames are
// delivered on Frames; outbound audio goes through WriteAudio. All writes
// are serialized internally.
type Stream struct {
	conn      *websocket.Conn
	streamSID string

	frames chan []byte

	writeMu sync.Mutex

	markMu sync.Mutex
	marks  map[string]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// Accept performs the media-stream handshake on an upgraded websocket
// connection: it consumes messages until the start event arrives, then
// launches the read loop. The returned StartInfo identifies the call.
func Accept(conn *websocket.Conn) (*Stream, StartInfo, error) {
	s := &Stream{
		conn:   conn,
		frames: make(chan []byte, 64),
		marks:  make(map[string]struct{}),
		closed: make(chan struct{}),
	}

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			s.close()
			return nil, StartInfo{}, fmt.Errorf("%w: handshake: %v", ErrClosed, err)
		}

		switch msg.Event {
		case "connected":
			continue
		case "start":
			if msg.Start == nil {
				s.close()
				return nil, StartInfo{}, fmt.Errorf("%w: start event missing payload", ErrClosed)
			}
			s.streamSID = msg.Start.StreamSID
			info := StartInfo{
				StreamSID: msg.Start.StreamSID,
				CallSID:   msg.Start.CallSID,
				From:      msg.Start.From,
				To:        msg.Start.To,
			}
			go s.readLoop()
			return s, info, nil
		default:
			// Media before start is not part of the protocol; skip it.
			continue
		}
	}
}

func (s *Stream) readLoop() {
	// frames is closed here and only here, so a send can never race the
	// close when the connection is torn down from the write side.
	defer close(s.frames)
	defer s.close()

	for {
		var msg inboundMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Event {
		case "media":
			if msg.Media == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				log.Printf("[Transport] Bad media payload on %s: %v", s.streamSID, err)
				continue
			}
			select {
			case s.frames <- audio:
			case <-s.closed:
				return
			}
		case "mark":
			if msg.Mark != nil {
				s.ackMark(msg.Mark.Name)
			}
		case "stop":
			return
		}
	}
}

// Frames returns the inbound audio channel. It is closed when the caller
// hangs up or the connection drops.
func (s *Stream) Frames() <-chan []byte {
	return s.frames
}

// Closed is signaled once when the stream goes away for any reason.
func (s *Stream) Closed() <-chan struct{} {
	return s.closed
}

// StreamSID returns the media stream identifier.
func (s *Stream) StreamSID() string {
	return s.streamSID
}

// WriteAudio sends one ordered audio chunk followed by a playout mark.
// It blocks until the chunk is handed to the connection; it never drops
// audio. Cancellation of ctx aborts a blocked write.
func (s *Stream) WriteAudio(ctx context.Context, audio []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	label := uuid.New().String()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	media := outboundMedia{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(audio)},
	}
	if err := s.writeJSON(media); err != nil {
		return err
	}

	mark := outboundMark{
		Event:     "mark",
		StreamSID: s.streamSID,
		Mark:      markPayload{Name: label},
	}
	if err := s.writeJSON(mark); err != nil {
		return err
	}

	s.markMu.Lock()
	s.marks[label] = struct{}{}
	s.markMu.Unlock()

	return nil
}

// Clear tells the far end to discard all queued, not-yet-played audio and
// drops outstanding marks. Used on barge-in.
func (s *Stream) Clear() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.writeMu.Lock()
	err := s.writeJSON(outboundClear{Event: "clear", StreamSID: s.streamSID})
	s.writeMu.Unlock()

	s.markMu.Lock()
	s.marks = make(map[string]struct{})
	s.markMu.Unlock()

	return err
}

// Marks returns the number of audio chunks sent but not yet played out.
// Non-zero means the agent is audibly speaking.
func (s *Stream) Marks() int {
	s.markMu.Lock()
	defer s.markMu.Unlock()
	return len(s.marks)
}

// Close tears down the connection. Safe to call more than once.
func (s *Stream) Close() error {
	s.close()
	return nil
}

func (s *Stream) ackMark(label string) {
	s.markMu.Lock()
	delete(s.marks, label)
	s.markMu.Unlock()
}

func (s *Stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func (s *Stream) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/event"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/storage"
	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /incoming", s.handleIncoming)
	mux.HandleFunc("GET /connection", s.handleConnection)

	mux.HandleFunc("POST /start_call", s.handleStartCall)
	mux.HandleFunc("POST /end_call", s.handleEndCall)
	mux.HandleFunc("GET /call_status/{sid}", s.handleCallStatus)
	mux.HandleFunc("GET /transcript/{sid}", s.handleTranscript)
	mux.HandleFunc("GET /all_transcripts", s.handleAllTranscripts)
	mux.HandleFunc("GET /ws/monitor", s.handleMonitor)
	mux.HandleFunc("GET /health", s.handleHealth)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleIncoming answers the voice webhook with TwiML that opens the
// media stream back to this server.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	twiml := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="wss://%s/connection"/></Connect></Response>`,
		s.cfg.Server.PublicHost,
	)
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, twiml)
}

// handleConnection upgrades the media stream websocket and runs the call
// session until hangup.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Media stream upgrade failed: %v", err)
		return
	}

	tr, info, err := transport.Accept(conn)
	if err != nil {
		log.Printf("[Server] Media stream handshake failed: %v", err)
		return
	}

	sess := s.newSession(info, tr)
	if !s.sessions.Insert(sess) {
		log.Printf("[Server] Duplicate stream for call %s, dropping", info.CallSID)
		tr.Close()
		return
	}

	if s.cfg.Twilio.RecordCalls {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.telephony.StartRecording(ctx, info.CallSID); err != nil {
				log.Printf("[Server] Recording failed for %s: %v", info.CallSID, err)
			}
		}()
	}

	sess.Run(r.Context())
}

type startCallRequest struct {
	ToNumber       string `json:"to_number"`
	SystemMessage  string `json:"system_message,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
}

// handleStartCall places an outbound call. Prompt overrides are stashed
// by SID and picked up when the media stream connects.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ToNumber == "" {
		writeError(w, http.StatusBadRequest, "to_number is required")
		return
	}

	sid, err := s.telephony.StartCall(r.Context(), req.ToNumber)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if req.SystemMessage != "" || req.InitialMessage != "" {
		s.setOverrides(sid, callOverrides{
			systemMessage:  req.SystemMessage,
			initialMessage: req.InitialMessage,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"call_sid": sid})
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallSID string `json:"call_sid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallSID == "" {
		writeError(w, http.StatusBadRequest, "call_sid is required")
		return
	}

	if err := s.telephony.EndCall(r.Context(), req.CallSID); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// handleCallStatus reports a live session's state, falling back to the
// stored record and finally to the provider.
func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	if sess, ok := s.sessions.Lookup(sid); ok {
		snap := sess.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"call_sid": snap.SID,
			"status":   snap.State,
			"turn":     snap.Turn,
			"live":     true,
		})
		return
	}

	if call, err := storage.GetCall(sid); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"call_sid": call.SID,
			"status":   call.Status,
			"live":     false,
		})
		return
	}

	status, err := s.telephony.CallStatus(r.Context(), sid)
	if err != nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"call_sid": sid,
		"status":   status,
		"live":     false,
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")

	if sess, ok := s.sessions.Lookup(sid); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}

	call, err := storage.GetCall(sid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, call)
}

// handleAllTranscripts returns live sessions plus recent stored calls.
func (s *Server) handleAllTranscripts(w http.ResponseWriter, r *http.Request) {
	live := s.sessions.List()

	stored, err := storage.ListCallsWithTranscripts(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Live sessions shadow their stored record until teardown completes.
	liveSIDs := make(map[string]bool, len(live))
	for _, snap := range live {
		liveSIDs[snap.SID] = true
	}
	kept := stored[:0]
	for _, call := range stored {
		if !liveSIDs[call.SID] {
			kept = append(kept, call)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"live":   live,
		"stored": kept,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_calls": s.sessions.Len(),
	})
}

// monitorClient is one connected monitor websocket. The send channel
// stays open for its lifetime; done signals disconnect to the bus
// handler and the write pump.
type monitorClient struct {
	conn *websocket.Conn
	send chan event.Event
	done chan struct{}

	once sync.Once
}

func (c *monitorClient) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// handleMonitor streams call lifecycle events to a websocket client.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] Monitor upgrade failed: %v", err)
		return
	}

	client := &monitorClient{
		conn: conn,
		send: make(chan event.Event, 32),
		done: make(chan struct{}),
	}

	subID := s.bus.Subscribe([]string{"call.*"}, func(evt event.Event) {
		select {
		case client.send <- evt:
		case <-client.done:
		default:
			// Slow monitors lose events rather than blocking the bus.
		}
	})

	go func() {
		for {
			select {
			case evt := <-client.send:
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-client.done:
				return
			}
		}
	}()

	// Reads only detect disconnect; monitors never send.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.bus.Unsubscribe(subID)
	client.close()
	conn.Close()
	log.Printf("[Server] Monitor client disconnected")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams mu-law call audio to the Deepgram live API and emits
// transcript segments. One instance serves one call.
type Deepgram struct {
	apiKey string
	opts   Options

	conn     *websocket.Conn
	segments chan Segment

	mu        sync.Mutex
	err       error
	lastStart time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once

	// partials of the utterance in progress, keyed off is_final results
	utterance []string
}

// NewDeepgram creates a Deepgram live transcription client.
func NewDeepgram(apiKey string, opts Options) *Deepgram {
	if apiKey == "" {
		apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 8000
	}
	if opts.UtteranceEndMs == 0 {
		opts.UtteranceEndMs = 1000
	}
	return &Deepgram{
		apiKey:   apiKey,
		opts:     opts,
		segments: make(chan Segment, 16),
		done:     make(chan struct{}),
	}
}

// Start dials the live endpoint and begins the read loop.
func (d *Deepgram) Start(ctx context.Context) error {
	q := url.Values{}
	q.Set("model", d.opts.Model)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(d.opts.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(d.opts.UtteranceEndMs))
	if d.opts.Language != "" {
		q.Set("language", d.opts.Language)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, deepgramListenURL+"?"+q.Encode(), header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("%w: dial (status %d): %v", ErrUnavailable, status, err)
	}
	d.conn = conn

	go d.readLoop()
	go d.keepAlive()
	return nil
}

// Send forwards one audio frame to the provider.
func (d *Deepgram) Send(audio []byte) error {
	select {
	case <-d.done:
		return d.Err()
	default:
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		d.fail(fmt.Errorf("%w: send: %v", ErrUnavailable, err))
		return d.Err()
	}
	return nil
}

// Segments returns the transcript channel.
func (d *Deepgram) Segments() <-chan Segment {
	return d.segments
}

// Err reports the terminal connection error, if any.
func (d *Deepgram) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close finalizes the stream. Pending audio is flushed provider-side by
// the CloseStream control message.
func (d *Deepgram) Close() error {
	if d.conn != nil {
		d.writeMu.Lock()
		_ = d.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		d.writeMu.Unlock()
	}
	d.shutdown()
	return nil
}

type deepgramResult struct {
	Type    string  `json:"type"`
	Start   float64 `json:"start"`
	IsFinal bool    `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	SpeechFinal bool `json:"speech_final"`
}

func (d *Deepgram) readLoop() {
	defer close(d.segments)

	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			select {
			case <-d.done: // deliberate close
			default:
				d.fail(fmt.Errorf("%w: read: %v", ErrUnavailable, err))
			}
			return
		}

		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil {
			log.Printf("[STT] Undecodable provider message: %v", err)
			continue
		}

		switch res.Type {
		case "Results":
			d.handleResult(res)
		case "UtteranceEnd":
			d.flushUtterance(time.Duration(res.Start * float64(time.Second)))
		}
	}
}

func (d *Deepgram) handleResult(res deepgramResult) {
	if len(res.Channel.Alternatives) == 0 {
		return
	}
	text := strings.TrimSpace(res.Channel.Alternatives[0].Transcript)
	if text == "" {
		return
	}

	start := time.Duration(res.Start * float64(time.Second))
	d.mu.Lock()
	if start < d.lastStart {
		// Out-of-order delivery violates the stage contract; clamp and log
		// rather than re-ordering downstream.
		log.Printf("[STT] Out-of-order segment: start=%s < last=%s", start, d.lastStart)
		start = d.lastStart
	}
	d.lastStart = start
	d.mu.Unlock()

	if !res.IsFinal {
		d.emit(Segment{Text: text, IsFinal: false, StartTime: start})
		return
	}

	// is_final marks a settled piece of the utterance; speech_final marks
	// the utterance boundary itself.
	d.utterance = append(d.utterance, text)
	if res.SpeechFinal {
		d.flushUtterance(start)
	} else {
		d.emit(Segment{Text: text, IsFinal: false, StartTime: start})
	}
}

func (d *Deepgram) flushUtterance(start time.Duration) {
	if len(d.utterance) == 0 {
		return
	}
	full := strings.Join(d.utterance, " ")
	d.utterance = nil
	d.emit(Segment{Text: full, IsFinal: true, StartTime: start})
}

func (d *Deepgram) emit(seg Segment) {
	select {
	case d.segments <- seg:
	case <-d.done:
	}
}

// keepAlive pings the provider during long silences so the connection is
// not reaped mid-call.
func (d *Deepgram) keepAlive() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.writeMu.Lock()
			_ = d.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			d.writeMu.Unlock()
		}
	}
}

func (d *Deepgram) fail(err error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.mu.Unlock()
	d.shutdown()
}

func (d *Deepgram) shutdown() {
	d.once.Do(func() {
		close(d.done)
		if d.conn != nil {
			d.conn.Close()
		}
	})
}

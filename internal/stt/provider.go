// Package stt turns the inbound audio stream into an ordered sequence of
// partial and final transcript segments.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates a transcription provider failure. The session
// decides between retry and graceful call termination.
var ErrUnavailable = errors.New("stt: transcription unavailable")

// Segment is one transcription result. Partial segments are superseded by
// later segments of the same utterance; only final segments become part of
// the permanent call transcript.
type Segment struct {
	Text      string
	IsFinal   bool
	StartTime time.Duration // offset from stream start
}

// Provider is a streaming speech-to-text connection for one call.
// Segments for one call arrive in non-decreasing StartTime order; that is
// part of the provider contract.
type Provider interface {
	// Start opens the provider connection. Segments may be read after
	// Start returns.
	Start(ctx context.Context) error

	// Send forwards raw audio to the provider.
	Send(audio []byte) error

	// Segments returns the transcript channel. It closes when the
	// connection ends; check Err afterwards.
	Segments() <-chan Segment

	// Err reports the terminal error, if any, once Segments is closed.
	Err() error

	// Close shuts the connection down.
	Close() error
}

// Options configures a transcription connection.
type Options struct {
	Model          string
	SampleRate     int
	UtteranceEndMs int
	Language       string
}

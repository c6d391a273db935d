// Package tts converts streamed reply text into ordered audio chunks.
package tts

import (
	"context"
	"errors"
	"sync"

	"github.com/Dushyantbha012/AI-Calling-Agent-Backend/internal/llm"
)

// ErrUnavailable indicates a synthesis provider failure.
var ErrUnavailable = errors.New("tts: synthesis unavailable")

// Chunk is one ordered piece of synthesized audio, tagged with the turn it
// belongs to so stale audio can never cross a barge-in boundary.
type Chunk struct {
	Turn  uint64
	Index int
	Audio []byte
}

// Provider synthesizes one piece of text into call-ready audio
// (8kHz mu-law for the telephony transport).
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Synthesizer consumes reply units in order and emits audio chunks in the
// same order, starting on the first unit without waiting for the rest.
// Cancellation is observed between units; buffered audio from a cancelled
// turn is discarded, never resumed.
type Synthesizer struct {
	provider Provider

	chunks chan Chunk

	mu  sync.Mutex
	err error
}

// NewSynthesizer creates a synthesis stage backed by the given provider.
func NewSynthesizer(provider Provider) *Synthesizer {
	return &Synthesizer{
		provider: provider,
		chunks:   make(chan Chunk, 8),
	}
}

// Run synthesizes units until the input closes or ctx is cancelled. The
// chunk channel is closed when the stage stops; check Err afterwards.
func (s *Synthesizer) Run(ctx context.Context, units <-chan llm.ReplyUnit) {
	defer close(s.chunks)

	index := 0
	for {
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-units:
			if !ok {
				return
			}
			audio, err := s.provider.Synthesize(ctx, unit.Text)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.setErr(err)
				return
			}
			if len(audio) == 0 {
				continue
			}
			select {
			case s.chunks <- Chunk{Turn: unit.Turn, Index: index, Audio: audio}:
				index++
			case <-ctx.Done():
				return
			}
		}
	}
}

// Chunks returns the ordered audio output channel.
func (s *Synthesizer) Chunks() <-chan Chunk {
	return s.chunks
}

// Err reports the provider error that stopped the stage, if any.
func (s *Synthesizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Synthesizer) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

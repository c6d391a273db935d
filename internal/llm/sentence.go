package llm

import "strings"

// abbreviations whose trailing period is not a sentence boundary.
var abbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.", "Prof.",
	"Inc.", "Ltd.", "Corp.", "Co.", "St.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.",
}

// SentenceBuffer accumulates streamed reply text and yields complete
// sentences, so synthesis can start before the model finishes.
type SentenceBuffer struct {
	pending strings.Builder
}

// NewSentenceBuffer creates an empty sentence buffer.
func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Add appends streamed text and returns any sentences completed by it.
func (b *SentenceBuffer) Add(text string) []string {
	b.pending.WriteString(text)
	content := b.pending.String()

	var sentences []string
	last := 0
	for i := 0; i < len(content); i++ {
		if !boundaryAt(content, i) {
			continue
		}
		s := strings.TrimSpace(content[last : i+1])
		if s != "" {
			sentences = append(sentences, s)
		}
		last = i + 1
	}
	if last > 0 {
		rest := content[last:]
		b.pending.Reset()
		b.pending.WriteString(rest)
	}
	return sentences
}

// Flush returns any trailing text without a terminator and resets the
// buffer. Call it when the model stream ends.
func (b *SentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	return rest
}

// Pending reports the buffered remainder without consuming it.
func (b *SentenceBuffer) Pending() string {
	return b.pending.String()
}

func boundaryAt(s string, i int) bool {
	switch s[i] {
	case '\n':
		return true
	case '.', '!', '?':
	default:
		return false
	}
	// A terminator mid-word ("3.5", "example.com") is not a boundary.
	if i+1 < len(s) && s[i+1] != ' ' && s[i+1] != '\n' {
		return false
	}
	if s[i] == '.' && endsAbbreviation(s, i) {
		return false
	}
	return true
}

func endsAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := s[start : i+1]
	for _, a := range abbreviations {
		if strings.EqualFold(word, a) {
			return true
		}
	}
	// Single-letter initials ("J. Smith").
	if len(word) == 2 && word[0] >= 'A' && word[0] <= 'Z' {
		return true
	}
	return false
}

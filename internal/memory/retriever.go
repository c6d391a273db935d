package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	chunkSize    = 500
	chunkOverlap = 50
)

// Store is the persistence slice Memory needs.
type Store interface {
	UpsertTurn(ctx context.Context, vector []float32, p TurnPoint) error
	Search(ctx context.Context, vector []float32, phone, excludeCallSID string, limit int, threshold float32) ([]Snippet, error)
	Recent(ctx context.Context, phone string, limit int) ([]Snippet, error)
}

// Options tune retrieval.
type Options struct {
	MaxSnippets     int
	Threshold       float32
	RetrieveTimeout time.Duration
}

// Memory is the retrieval layer for caller context. Retrieval is best
// effort: on timeout or backend failure a turn proceeds without
// snippets, it never blocks or fails the call.
type Memory struct {
	embedder Embedder
	store    Store
	opts     Options
}

// New creates the retrieval layer.
func New(embedder Embedder, store Store, opts Options) *Memory {
	if opts.MaxSnippets == 0 {
		opts.MaxSnippets = 5
	}
	if opts.Threshold == 0 {
		opts.Threshold = 0.7
	}
	if opts.RetrieveTimeout == 0 {
		opts.RetrieveTimeout = 800 * time.Millisecond
	}
	return &Memory{embedder: embedder, store: store, opts: opts}
}

// Retrieve returns caller context relevant to query, bounded by the
// retrieval timeout. Failures degrade to an empty result.
func (m *Memory) Retrieve(ctx context.Context, phone, query, excludeCallSID string) []Snippet {
	ctx, cancel := context.WithTimeout(ctx, m.opts.RetrieveTimeout)
	defer cancel()

	vector, err := m.embedder.Embed(ctx, query)
	if err != nil {
		log.Printf("[Memory] Embed failed, continuing without context: %v", err)
		return nil
	}
	snippets, err := m.store.Search(ctx, vector, phone, excludeCallSID, m.opts.MaxSnippets, m.opts.Threshold)
	if err != nil {
		log.Printf("[Memory] Retrieval failed, continuing without context: %v", err)
		return nil
	}
	if len(snippets) > 0 {
		log.Printf("[Memory] Retrieved %d snippets for %s", len(snippets), phone)
	}
	return snippets
}

// StoreTurn embeds and persists one user/assistant exchange. Intended
// to run off the session goroutine; errors are logged, not returned.
func (m *Memory) StoreTurn(ctx context.Context, phone, callSID string, interaction int, userMsg, assistantMsg string) {
	text := fmt.Sprintf("User: %s\nAssistant: %s", userMsg, assistantMsg)
	chunks := chunkText(text)
	now := time.Now()

	for i, chunk := range chunks {
		vector, err := m.embedder.Embed(ctx, chunk)
		if err != nil {
			log.Printf("[Memory] Embed for store failed: %v", err)
			return
		}
		err = m.store.UpsertTurn(ctx, vector, TurnPoint{
			Phone:            phone,
			CallSID:          callSID,
			Interaction:      interaction,
			UserMessage:      userMsg,
			AssistantMessage: assistantMsg,
			Chunk:            chunk,
			ChunkIndex:       i,
			TotalChunks:      len(chunks),
			Timestamp:        now,
		})
		if err != nil {
			log.Printf("[Memory] Store failed: %v", err)
			return
		}
	}
	log.Printf("[Memory] Stored %d chunks for %s, interaction %d", len(chunks), phone, interaction)
}

// CallerHistory builds a short summary of the caller's previous calls
// for the system prompt. Empty for first-time callers.
func (m *Memory) CallerHistory(ctx context.Context, phone string) string {
	ctx, cancel := context.WithTimeout(ctx, m.opts.RetrieveTimeout)
	defer cancel()

	snippets, err := m.store.Recent(ctx, phone, 10)
	if err != nil {
		log.Printf("[Memory] History lookup failed: %v", err)
		return ""
	}
	if len(snippets) == 0 {
		return ""
	}

	type callGroup struct {
		timestamp string
		exchanges []Snippet
	}
	var order []string
	groups := make(map[string]*callGroup)
	for _, s := range snippets {
		g, ok := groups[s.CallSID]
		if !ok {
			g = &callGroup{timestamp: s.Timestamp}
			groups[s.CallSID] = g
			order = append(order, s.CallSID)
		}
		g.exchanges = append(g.exchanges, s)
	}

	parts := []string{fmt.Sprintf("Previous interactions with caller %s:", phone)}
	for i, sid := range order {
		if i >= 3 {
			break
		}
		g := groups[sid]
		date := g.timestamp
		if len(date) > 10 {
			date = date[:10]
		}
		parts = append(parts, fmt.Sprintf("\nCall from %s:", date))
		for j, ex := range g.exchanges {
			if j >= 2 {
				break
			}
			parts = append(parts, fmt.Sprintf("- User asked: %s", clip(ex.UserMessage, 100)))
			parts = append(parts, fmt.Sprintf("- Assistant responded: %s", clip(ex.AssistantMessage, 100)))
		}
	}
	return strings.Join(parts, "\n")
}

// Format renders snippets for injection into the system prompt.
func Format(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context from previous conversations:\n")
	for _, s := range snippets {
		b.WriteString("- ")
		b.WriteString(s.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// chunkText splits long turns at sentence boundaries with overlap so a
// single chunk carries enough context to match on.
func chunkText(text string) []string {
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunk := text[start:end]

		if end < len(text) {
			if cut := strings.LastIndexAny(chunk, ".!?"); cut > chunkSize/2 {
				chunk = text[start : start+cut+1]
				end = start + cut + 1
			}
		}
		chunks = append(chunks, strings.TrimSpace(chunk))
		if end >= len(text) {
			break
		}
		start = end - chunkOverlap
	}
	return chunks
}

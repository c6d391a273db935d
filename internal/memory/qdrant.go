package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// TurnPoint is one stored chunk of a conversation turn.
type TurnPoint struct {
	Phone            string
	CallSID          string
	Interaction      int
	UserMessage      string
	AssistantMessage string
	Chunk            string
	ChunkIndex       int
	TotalChunks      int
	Timestamp        time.Time
}

// Snippet is one retrieved piece of caller context.
type Snippet struct {
	Text             string
	UserMessage      string
	AssistantMessage string
	CallSID          string
	Timestamp        string
	Score            float32
}

// QdrantConfig locates the vector database.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	VectorSize uint64
}

// QdrantStore persists turn chunks in a Qdrant collection keyed by the
// caller's phone number.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantStore connects to Qdrant and ensures the collection exists
// with cosine distance.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}

	s := &QdrantStore{client: client, collection: cfg.Collection}

	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		return nil, fmt.Errorf("qdrant collection check: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     cfg.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant create collection: %w", err)
		}
		log.Printf("[Memory] Created collection: %s", cfg.Collection)
	}
	return s, nil
}

// Close releases the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// UpsertTurn writes one embedded chunk.
func (s *QdrantStore) UpsertTurn(ctx context.Context, vector []float32, p TurnPoint) error {
	payload := qdrant.NewValueMap(map[string]any{
		"phone_number":      p.Phone,
		"call_sid":          p.CallSID,
		"interaction_count": int64(p.Interaction),
		"chunk_index":       int64(p.ChunkIndex),
		"total_chunks":      int64(p.TotalChunks),
		"timestamp":         p.Timestamp.UTC().Format(time.RFC3339),
		"user_message":      p.UserMessage,
		"assistant_message": p.AssistantMessage,
		"conversation_text": p.Chunk,
	})

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuid.NewString()),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert: %w", err)
	}
	return nil
}

// Search returns chunks for one caller ranked by similarity, skipping
// the current call so a turn never retrieves itself.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, phone, excludeCallSID string, limit int, threshold float32) ([]Snippet, error) {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("phone_number", phone),
		},
	}
	if excludeCallSID != "" {
		filter.MustNot = []*qdrant.Condition{
			qdrant.NewMatch("call_sid", excludeCallSID),
		}
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(threshold),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	snippets := make([]Snippet, 0, len(points))
	for _, pt := range points {
		payload := pt.GetPayload()
		snippets = append(snippets, Snippet{
			Text:             payload["conversation_text"].GetStringValue(),
			UserMessage:      payload["user_message"].GetStringValue(),
			AssistantMessage: payload["assistant_message"].GetStringValue(),
			CallSID:          payload["call_sid"].GetStringValue(),
			Timestamp:        payload["timestamp"].GetStringValue(),
			Score:            pt.GetScore(),
		})
	}
	return snippets, nil
}

// Recent returns stored chunks for a caller without ranking, for the
// history summary at call start.
func (s *QdrantStore) Recent(ctx context.Context, phone string, limit int) ([]Snippet, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("phone_number", phone),
			},
		},
		Limit:       qdrant.PtrOf(uint32(limit)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}

	snippets := make([]Snippet, 0, len(points))
	for _, pt := range points {
		payload := pt.GetPayload()
		snippets = append(snippets, Snippet{
			Text:             payload["conversation_text"].GetStringValue(),
			UserMessage:      payload["user_message"].GetStringValue(),
			AssistantMessage: payload["assistant_message"].GetStringValue(),
			CallSID:          payload["call_sid"].GetStringValue(),
			Timestamp:        payload["timestamp"].GetStringValue(),
		})
	}
	return snippets, nil
}

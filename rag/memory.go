// Package rag keeps an embedded vector memory of task conversations so
// later comments can be answered and routed with prior-run context.
// Everything here is best-effort: callers treat failures as "no context".
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
)

// collectionName holds all task conversation fragments.
const collectionName = "task-memory"

// Hit is one retrieved fragment.
type Hit struct {
	Text     string
	Score    float32
	Metadata map[string]string
}

// Memory is the embedded vector store.
type Memory struct {
	collection *chromem.Collection
	logger     *slog.Logger
}

// Option configures a Memory.
type Option func(*options)

type options struct {
	path      string
	embedding chromem.EmbeddingFunc
}

// WithPersistence stores the index on disk at path.
func WithPersistence(path string) Option {
	return func(o *options) { o.path = path }
}

// WithEmbeddingFunc overrides the embedding backend.
func WithEmbeddingFunc(fn chromem.EmbeddingFunc) Option {
	return func(o *options) { o.embedding = fn }
}

// NewMemory creates the vector memory. Without options the index is
// in-memory and embeds through the default OpenAI-compatible backend.
func NewMemory(logger *slog.Logger, opts ...Option) (*Memory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.embedding == nil {
		o.embedding = chromem.NewEmbeddingFuncDefault()
	}

	var db *chromem.DB
	var err error
	if o.path != "" {
		db, err = chromem.NewPersistentDB(o.path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store at %s: %w", o.path, err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, o.embedding)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", collectionName, err)
	}

	return &Memory{collection: collection, logger: logger}, nil
}

// StoreMessage indexes one conversation fragment with its metadata.
func (m *Memory) StoreMessage(ctx context.Context, text string, metadata map[string]string) error {
	if text == "" {
		return nil
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["stored_at"] = time.Now().UTC().Format(time.RFC3339)

	err := m.collection.AddDocument(ctx, chromem.Document{
		ID:       uuid.New().String(),
		Content:  text,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("index message: %w", err)
	}
	return nil
}

// Query retrieves up to n fragments similar to text, optionally filtered by
// metadata equality.
func (m *Memory) Query(ctx context.Context, text string, n int, filters map[string]string) ([]Hit, error) {
	if text == "" || n <= 0 {
		return nil, nil
	}
	if count := m.collection.Count(); count == 0 {
		return nil, nil
	} else if n > count {
		n = count
	}

	results, err := m.collection.Query(ctx, text, n, filters, nil)
	if err != nil {
		return nil, fmt.Errorf("query vector store: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, Hit{
			Text:     res.Content,
			Score:    res.Similarity,
			Metadata: res.Metadata,
		})
	}
	return hits, nil
}

// ContextFor renders the best matches for a task into a prompt block.
// Errors degrade to an empty string so retrieval never blocks a decision.
func (m *Memory) ContextFor(ctx context.Context, text string, externalID int64, n int) string {
	filters := map[string]string{"external_id": fmt.Sprintf("%d", externalID)}
	hits, err := m.Query(ctx, text, n, filters)
	if err != nil {
		m.logger.Debug("Context retrieval failed", "external_id", externalID, "error", err)
		return ""
	}

	out := ""
	for _, hit := range hits {
		out += "- " + hit.Text + "\n"
	}
	return out
}

package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Result is a single semantic-search hit.
type Result struct {
	ID       string
	Content  string
	Metadata map[string]string
	Score    float32
}

// Document is a unit of indexed silo content.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Store wraps chromem-go with one collection per silo and disk persistence.
type Store struct {
	mu      sync.RWMutex
	db      *chromem.DB
	embedFn chromem.EmbeddingFunc
}

// New creates (or opens) the persistent vector store at dataDir/vectorstore/.
// An empty dataDir keeps everything in memory.
func New(dataDir string, embedFunc chromem.EmbeddingFunc) (*Store, error) {
	if dataDir == "" {
		return &Store{db: chromem.NewDB(), embedFn: embedFunc}, nil
	}
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create vectorstore dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vectorstore: %w", err)
	}
	return &Store{db: db, embedFn: embedFunc}, nil
}

// NewEmbeddingFunc returns the embedding function for a provider. "ollama"
// talks to a local Ollama server; anything else uses an OpenAI-compatible
// endpoint.
func NewEmbeddingFunc(provider, baseURL, apiKey, model string) chromem.EmbeddingFunc {
	if provider == "ollama" {
		return chromem.NewEmbeddingFuncOllama(model, baseURL)
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil)
}

// Upsert indexes (or re-indexes) documents into a collection.
func (s *Store) Upsert(ctx context.Context, collection string, docs ...Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.db.GetOrCreateCollection(collection, nil, s.embedFn)
	if err != nil {
		return fmt.Errorf("vectorstore: collection %s: %w", collection, err)
	}
	for _, d := range docs {
		doc := chromem.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("vectorstore: add %s: %w", d.ID, err)
		}
	}
	return nil
}

// Delete removes documents by id.
func (s *Store) Delete(ctx context.Context, collection string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.db.GetCollection(collection, s.embedFn)
	if col == nil || len(ids) == 0 {
		return nil
	}
	return col.Delete(ctx, nil, nil, ids...)
}

// Search returns up to k documents of a collection most similar to query
// that satisfy filter. A missing collection yields no results.
func (s *Store) Search(ctx context.Context, collection, query string, k int, filter map[string]any) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("vectorstore: empty query")
	}
	compiled, err := CompileFilter(filter)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.db.GetCollection(collection, s.embedFn)
	if col == nil || k <= 0 {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	// A post-filter can reject any candidate, so it has to see the whole
	// ranking; chromem-go scores every document either way.
	n := k
	if compiled.PostFilter() || n > count {
		n = count
	}

	vector, err := s.embedFn(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: embed query: %w", err)
	}
	var results []chromem.Result
	// chromem-go sometimes throws "nResults must be <= number of documents" despite Count checks.
	// Step down n if it fails.
	for attempt := n; attempt > 0; attempt-- {
		results, err = col.QueryEmbedding(ctx, vector, attempt, compiled.Where(), nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, k)
	for _, r := range results {
		ok, err := compiled.Match(r.Metadata)
		if err != nil {
			slog.Warn("vectorstore filter evaluation failed", "collection", collection, "doc", r.ID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		out = append(out, Result{ID: r.ID, Content: r.Content, Metadata: r.Metadata, Score: r.Similarity})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

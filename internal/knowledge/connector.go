// Package knowledge provides the vector-backed knowledge base consulted by
// the orchestrator. It implements ports.KnowledgeBase on top of chromem-go;
// embedding-provider adapters stay behind the Embedder interface.
package knowledge

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	chromem "github.com/philippgille/chromem-go"

	"orbit/internal/agent/ports"
	"orbit/internal/utils"
)

// Config holds vector store configuration.
type Config struct {
	PersistPath   string  // directory to persist data, empty = in-memory
	Collection    string  // collection name, default "default"
	TopK          int     // results per search, default 5
	MinSimilarity float32 // similarity floor 0.0-1.0, default 0.3
	CacheSize     int     // LRU cache for repeated queries, default 1024
}

// Embedder generates text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Document is a fragment indexed into the knowledge base. The optional
// "concepts" metadata key (comma-separated terms) feeds RelatedConcepts.
type Document struct {
	ID       string
	Content  string
	Source   string
	Metadata map[string]string
}

// Connector implements ports.KnowledgeBase over a chromem-go collection.
type Connector struct {
	config     Config
	db         *chromem.DB
	collection *chromem.Collection
	cache      *lru.Cache[string, []ports.KnowledgeResult]
	logger     *utils.Logger
}

// NewConnector creates a knowledge base connector.
func NewConnector(config Config, embedder Embedder) (*Connector, error) {
	if config.Collection == "" {
		config.Collection = "default"
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.MinSimilarity <= 0 {
		config.MinSimilarity = 0.3
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 1024
	}

	var db *chromem.DB
	var err error
	if config.PersistPath != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(config.PersistPath, "chromem.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("create persistent DB: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(config.Collection, nil, embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	cache, err := lru.New[string, []ports.KnowledgeResult](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &Connector{
		config:     config,
		db:         db,
		collection: collection,
		cache:      cache,
		logger:     utils.NewComponentLogger("KnowledgeBase"),
	}, nil
}

// Index adds documents to the store.
func (c *Connector) Index(ctx context.Context, docs []Document) error {
	for _, doc := range docs {
		metadata := make(map[string]string, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		if doc.Source != "" {
			metadata["source"] = doc.Source
		}
		err := c.collection.AddDocument(ctx, chromem.Document{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: metadata,
		})
		if err != nil {
			return fmt.Errorf("add document %s: %w", doc.ID, err)
		}
	}
	// Indexing invalidates cached query results.
	c.cache.Purge()
	return nil
}

// Count returns the number of indexed documents.
func (c *Connector) Count() int {
	return c.collection.Count()
}

// Search returns ranked fragments for the query, biased by the active
// concepts. An empty index yields no results, not an error.
func (c *Connector) Search(ctx context.Context, query string, concepts []string) ([]ports.KnowledgeResult, error) {
	count := c.collection.Count()
	if count == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	sorted := append([]string(nil), concepts...)
	sort.Strings(sorted)
	searchText := query
	if len(sorted) > 0 {
		searchText = query + " " + strings.Join(sorted, " ")
	}

	if cached, ok := c.cache.Get(searchText); ok {
		return cached, nil
	}

	topK := c.config.TopK
	if topK > count {
		topK = count
	}
	results, err := c.collection.Query(ctx, searchText, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	out := make([]ports.KnowledgeResult, 0, len(results))
	for _, r := range results {
		if r.Similarity < c.config.MinSimilarity {
			continue
		}
		source := r.Metadata["source"]
		if source == "" {
			source = r.ID
		}
		out = append(out, ports.KnowledgeResult{
			Content:   r.Content,
			Relevance: float64(r.Similarity),
			Source:    source,
			Metadata:  r.Metadata,
		})
	}

	c.cache.Add(searchText, out)
	return out, nil
}

// RelatedConcepts expands a concept set with terms attached to the nearest
// indexed documents via their "concepts" metadata.
func (c *Connector) RelatedConcepts(ctx context.Context, concepts []string) ([]string, error) {
	if len(concepts) == 0 || c.collection.Count() == 0 {
		return nil, nil
	}

	sorted := append([]string(nil), concepts...)
	sort.Strings(sorted)
	results, err := c.Search(ctx, strings.Join(sorted, " "), nil)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(concepts))
	for _, concept := range concepts {
		known[strings.ToLower(concept)] = true
	}

	var related []string
	seen := make(map[string]bool)
	for _, r := range results {
		for _, term := range strings.Split(r.Metadata["concepts"], ",") {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" || known[term] || seen[term] {
				continue
			}
			seen[term] = true
			related = append(related, term)
		}
	}
	return related, nil
}

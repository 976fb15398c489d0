package ports

import "context"

// KnowledgeResult is a single fragment returned by an external knowledge base.
type KnowledgeResult struct {
	Content   string            `json:"content"`
	Relevance float64           `json:"relevance"` // 0.0 to 1.0
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// KnowledgeBase is an optional external corpus consulted during context
// orchestration. Both methods may fail; callers are expected to degrade to
// purely local scoring instead of aborting the turn.
type KnowledgeBase interface {
	// Search returns ranked fragments for the query, biased by the concepts
	// currently active in the session.
	Search(ctx context.Context, query string, concepts []string) ([]KnowledgeResult, error)

	// RelatedConcepts expands a concept set with externally suggested terms.
	RelatedConcepts(ctx context.Context, concepts []string) ([]string, error)
}

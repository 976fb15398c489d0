package ports

import "context"

// LeafCandidate is one selectable behavior state offered to the intent
// analyzer: the minimal projection of a resolved leaf.
type LeafCandidate struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

// IntentAnalyzer picks which leaf state should answer the current turn.
// Implementations are usually LLM-backed and must degrade to a heuristic
// when the model is unavailable.
type IntentAnalyzer interface {
	SelectLeaf(ctx context.Context, userText string, history []Message, candidates []LeafCandidate) (string, error)
}

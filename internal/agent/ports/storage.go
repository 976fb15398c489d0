package ports

import "context"

// MessageStore persists conversation messages per session. Storage backends
// are external collaborators; the core only depends on this contract.
type MessageStore interface {
	StoreMessage(ctx context.Context, sessionID string, msg Message) error

	// QueryMessages returns the most recent messages for a session in
	// chronological order, up to limit (0 means no limit).
	QueryMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Summarizer compresses an over-budget context fragment to fit a token
// budget. Summarization itself is delegated to a collaborator (usually
// LLM-backed); the orchestrator only records that it was used.
type Summarizer interface {
	Summarize(ctx context.Context, text string, targetTokens int) (string, error)
}

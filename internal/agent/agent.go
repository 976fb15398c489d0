// Package agent wires intent selection, state resolution, context
// orchestration, and response generation into a turn-processing façade.
// The LLM call, tool sandbox, and persistence backends stay behind the
// ports interfaces.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"orbit/internal/agent/ports"
	"orbit/internal/observability"
	"orbit/internal/orchestrator"
	"orbit/internal/state"
	"orbit/internal/utils"
)

const defaultHistoryLimit = 10

// TurnRequest is one user turn entering the agent.
type TurnRequest struct {
	SessionID string
	UserText  string
	Metadata  map[string]any
}

// TurnResult is the outcome of processing one turn.
type TurnResult struct {
	TurnID        string
	Reply         string
	StateKey      string
	StatePath     []string
	Orchestration *orchestrator.Result

	// Denied reports a guard refusal; Reply is empty and DenyReason holds
	// the surfaced message.
	Denied     bool
	DenyReason string
}

// Agent is the turn-processing façade.
type Agent struct {
	resolver *state.Resolver
	orch     *orchestrator.Orchestrator
	llm      ports.LLMClient
	intent   ports.IntentAnalyzer
	store    ports.MessageStore
	logger   *utils.Logger
	metrics  *observability.OrchestrationMetrics

	historyLimit int

	mu          sync.Mutex
	activeLeaf  map[string]string // session id -> leaf path string
	leafsByPath map[string]state.ResolvedState
}

// Option configures the agent.
type Option func(*Agent)

// WithIntentAnalyzer overrides the default LLM-backed analyzer.
func WithIntentAnalyzer(intent ports.IntentAnalyzer) Option {
	return func(a *Agent) {
		if intent != nil {
			a.intent = intent
		}
	}
}

// WithHistoryLimit bounds how many prior messages join the prompt.
func WithHistoryLimit(limit int) Option {
	return func(a *Agent) {
		if limit > 0 {
			a.historyLimit = limit
		}
	}
}

// WithLogger injects a custom logger (used by tests).
func WithLogger(logger *utils.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics allows overriding the metrics recorder.
func WithMetrics(metrics *observability.OrchestrationMetrics) Option {
	return func(a *Agent) {
		if metrics != nil {
			a.metrics = metrics
		}
	}
}

// New constructs the façade around an already-resolved state tree.
func New(resolver *state.Resolver, orch *orchestrator.Orchestrator, llm ports.LLMClient, store ports.MessageStore, opts ...Option) *Agent {
	a := &Agent{
		resolver:     resolver,
		orch:         orch,
		llm:          llm,
		store:        store,
		logger:       utils.NewComponentLogger("Agent"),
		metrics:      observability.NewOrchestrationMetrics(),
		historyLimit: defaultHistoryLimit,
		activeLeaf:   make(map[string]string),
		leafsByPath:  make(map[string]state.ResolvedState),
	}
	for _, leaf := range resolver.Leaves() {
		a.leafsByPath[leaf.PathString()] = leaf
	}
	a.intent = NewLLMIntentAnalyzer(llm)
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// ProcessTurn runs one turn end to end: select a leaf, gate it through its
// guards, orchestrate context, call the model, and persist the exchange.
func (a *Agent) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, fmt.Errorf("empty user text")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	turnID := uuid.NewString()

	history, err := a.store.QueryMessages(ctx, req.SessionID, a.historyLimit)
	if err != nil {
		a.logger.Warn("History query failed, proceeding without history: %v", err)
		history = nil
	}

	leaf, err := a.selectLeaf(ctx, req, history)
	if err != nil {
		return nil, err
	}

	guardInput := state.GuardInput{UserQuery: req.UserText, Metadata: req.Metadata}

	// Leaving the previous leaf is gated by its exit guard; a refusal keeps
	// the session where it is.
	leaf = a.applyExitGuard(ctx, req.SessionID, leaf, guardInput)

	if decision := state.EvaluateGuard(ctx, leaf.EntryGuard, guardInput); !decision.Allowed {
		a.metrics.RecordGuardDenial()
		a.logger.Info("Entry guard denied state %q for session %s: %s", leaf.Key, req.SessionID, decision.Message)
		return &TurnResult{
			TurnID:     turnID,
			StateKey:   leaf.Key,
			StatePath:  leaf.Path,
			Denied:     true,
			DenyReason: decision.Message,
		}, nil
	}

	orchestration, err := a.orch.Orchestrate(ctx, req.SessionID, req.UserText, leaf.Contexts)
	if err != nil {
		return nil, fmt.Errorf("orchestrate context: %w", err)
	}

	messages := assemblePrompt(leaf, orchestration, history, req.UserText)
	completionReq := ports.CompletionRequest{
		Messages: messages,
		Tools:    toolDefinitions(leaf.Tools),
		Metadata: map[string]any{"session_id": req.SessionID, "turn_id": turnID, "state": leaf.PathString()},
	}
	if leaf.Parameters.Temperature != nil {
		completionReq.Temperature = *leaf.Parameters.Temperature
	}
	if leaf.Parameters.MaxTokens != nil {
		completionReq.MaxTokens = *leaf.Parameters.MaxTokens
	}
	if leaf.Parameters.TopP != nil {
		completionReq.TopP = *leaf.Parameters.TopP
	}

	resp, err := a.llm.Complete(ctx, completionReq)
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}

	a.persistExchange(ctx, req.SessionID, req.UserText, resp.Content)

	a.mu.Lock()
	a.activeLeaf[req.SessionID] = leaf.PathString()
	a.mu.Unlock()

	return &TurnResult{
		TurnID:        turnID,
		Reply:         resp.Content,
		StateKey:      leaf.Key,
		StatePath:     leaf.Path,
		Orchestration: orchestration,
	}, nil
}

// LeafStateTree exposes the resolver's leaf projection.
func (a *Agent) LeafStateTree() []state.LeafDescriptor {
	return a.resolver.LeafStateTree()
}

func (a *Agent) selectLeaf(ctx context.Context, req TurnRequest, history []ports.Message) (state.ResolvedState, error) {
	descriptors := a.resolver.LeafStateTree()
	if len(descriptors) == 0 {
		return state.ResolvedState{}, fmt.Errorf("no selectable states configured")
	}
	candidates := make([]ports.LeafCandidate, 0, len(descriptors))
	for _, d := range descriptors {
		candidates = append(candidates, ports.LeafCandidate{Key: d.Key, Description: d.Description})
	}

	key, err := a.intent.SelectLeaf(ctx, req.UserText, history, candidates)
	if err != nil {
		a.logger.Warn("Intent selection failed, using first state: %v", err)
		key = candidates[0].Key
	}
	leaf, err := a.resolver.LeafByKey(key)
	if err != nil {
		a.logger.Warn("Selected state %q not resolvable, using first state", key)
		return a.resolver.LeafByKey(candidates[0].Key)
	}
	return leaf, nil
}

// applyExitGuard checks whether the session may leave its current leaf. On
// refusal the previous leaf stays active for this turn.
func (a *Agent) applyExitGuard(ctx context.Context, sessionID string, next state.ResolvedState, in state.GuardInput) state.ResolvedState {
	a.mu.Lock()
	currentPath, ok := a.activeLeaf[sessionID]
	a.mu.Unlock()
	if !ok || currentPath == next.PathString() {
		return next
	}
	current, ok := a.leafsByPath[currentPath]
	if !ok || current.ExitGuard == nil {
		return next
	}
	if decision := state.EvaluateGuard(ctx, current.ExitGuard, in); !decision.Allowed {
		a.metrics.RecordGuardDenial()
		a.logger.Info("Exit guard kept session %s in state %q: %s", sessionID, current.Key, decision.Message)
		return current
	}
	return next
}

func (a *Agent) persistExchange(ctx context.Context, sessionID, userText, reply string) {
	if err := a.store.StoreMessage(ctx, sessionID, ports.Message{Role: "user", Content: userText}); err != nil {
		a.logger.Warn("Failed to store user message: %v", err)
	}
	if err := a.store.StoreMessage(ctx, sessionID, ports.Message{Role: "assistant", Content: reply}); err != nil {
		a.logger.Warn("Failed to store assistant message: %v", err)
	}
}

// assemblePrompt builds the model call: resolved system prompt, selected
// context fragments, the already-bounded history, then the user turn.
func assemblePrompt(leaf state.ResolvedState, orchestration *orchestrator.Result, history []ports.Message, userText string) []ports.Message {
	var system strings.Builder
	if leaf.FullPrompt != "" {
		system.WriteString(leaf.FullPrompt)
	}
	if len(orchestration.SelectedContexts) > 0 {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString("## Relevant context\n")
		for _, c := range orchestration.SelectedContexts {
			system.WriteString("\n- ")
			system.WriteString(c.Content)
		}
	}

	var messages []ports.Message
	if system.Len() > 0 {
		messages = append(messages, ports.Message{Role: "system", Content: system.String()})
	}
	messages = append(messages, history...)
	messages = append(messages, ports.Message{Role: "user", Content: userText})
	return messages
}

// trimHistory keeps the most recent messages.
func trimHistory(history []ports.Message, limit int) []ports.Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

func toolDefinitions(tools []state.Tool) []ports.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ports.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, ports.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

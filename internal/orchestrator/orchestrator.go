// Package orchestrator implements the relevance-accumulation engine that
// decides, turn over turn, which context fragments accompany a model call.
// Relevance is not recomputed from scratch each turn: a per-session concept
// map decays old evidence, reinforces what the user just said, and blends
// both with live keyword matching and optional knowledge-base lookups.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"orbit/internal/agent/ports"
	"orbit/internal/observability"
	"orbit/internal/shared/token"
	"orbit/internal/state"
	"orbit/internal/utils"
)

// Strategy labels how the turn's context budget was satisfied.
type Strategy string

const (
	StrategyFull       Strategy = "full"
	StrategyFiltered   Strategy = "filtered"
	StrategySummarized Strategy = "summarized"
	StrategyMinimal    Strategy = "minimal"
)

// SelectedContext is one resolved fragment chosen for the turn.
type SelectedContext struct {
	Key     string  `json:"key"`
	Content string  `json:"content"`
	Source  string  `json:"source"` // "state" or "knowledge"
	Score   float64 `json:"score"`
	Tokens  int     `json:"tokens"`
}

// Result snapshots one turn's orchestration outcome.
type Result struct {
	SelectedContexts    []SelectedContext `json:"selected_contexts"`
	ContextStrategy     Strategy          `json:"context_strategy"`
	TotalRelevanceScore float64           `json:"total_relevance_score"`
	ConceptMap          []ConceptSnapshot `json:"concept_map"`
	ReasoningChain      []string          `json:"reasoning_chain"`
}

type candidate struct {
	key      string
	content  string
	priority int
	source   string

	tokens        int
	contentTokens map[string]bool
	score         float64
}

// Orchestrator owns per-session scanning-ball state and the per-turn
// selection pipeline. It is safe for concurrent use; turns for the same
// session are serialized, turns for different sessions run in parallel.
type Orchestrator struct {
	opts       Options
	kb         ports.KnowledgeBase
	summarizer ports.Summarizer
	sessions   *sessionRegistry
	logger     *utils.Logger
	metrics    *observability.OrchestrationMetrics
	clock      func() time.Time
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithKnowledgeBase attaches an external corpus consulted during scoring.
func WithKnowledgeBase(kb ports.KnowledgeBase) Option {
	return func(o *Orchestrator) { o.kb = kb }
}

// WithSummarizer attaches a collaborator used to compress an over-budget
// context instead of truncating it.
func WithSummarizer(s ports.Summarizer) Option {
	return func(o *Orchestrator) { o.summarizer = s }
}

// WithLogger injects a custom logger (used by tests).
func WithLogger(logger *utils.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics allows overriding the metrics recorder.
func WithMetrics(metrics *observability.OrchestrationMetrics) Option {
	return func(o *Orchestrator) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithClock overrides the time source (used by tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New constructs an orchestrator with the given options.
func New(opts Options, optFns ...Option) (*Orchestrator, error) {
	opts = opts.withDefaults()
	registry, err := newSessionRegistry(opts.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("create session registry: %w", err)
	}
	o := &Orchestrator{
		opts:     opts,
		sessions: registry,
		logger:   utils.NewComponentLogger("ContextOrchestrator"),
		metrics:  observability.NewOrchestrationMetrics(),
		clock:    time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(o)
		}
	}
	return o, nil
}

// Orchestrate runs the per-turn pipeline for one session: decay, reinforce,
// expand, score, cluster, budget, and explain. Session-state mutations are
// applied to a working copy and committed only when the turn completes, so a
// cancelled turn rolls back decay and reinforcement as a unit.
func (o *Orchestrator) Orchestrate(ctx context.Context, sessionID, userText string, contexts []state.Context) (*Result, error) {
	sess := o.sessions.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	queryTokens := tokenize(userText)
	now := o.clock()

	// Decay before reinforcing, on a working copy.
	working := sess.cloneConcepts()
	for concept, entry := range working {
		entry.Strength *= 1 - o.opts.TimeDecayFactor
		if entry.Strength < conceptFloor {
			delete(working, concept)
			continue
		}
		working[concept] = entry
	}

	scoring := working
	if o.opts.EnableConceptMapping {
		for _, concept := range queryTokens {
			entry := working[concept]
			entry.Strength += 1.0
			entry.LastTouched = now
			working[concept] = entry
		}
		o.expandConcepts(ctx, working, queryTokens, now)
	} else {
		// No cross-turn memory: score on this turn's raw counts only.
		scoring = make(map[string]conceptEntry, len(queryTokens))
		for _, concept := range queryTokens {
			entry := scoring[concept]
			entry.Strength += 1.0
			scoring[concept] = entry
		}
	}

	candidates := o.resolveContents(ctx, contexts)
	candidates = append(candidates, o.searchKnowledge(ctx, userText, scoring)...)

	eligible := candidates[:0]
	for _, c := range candidates {
		c.score = keywordWeight*keywordOverlap(c.contentTokens, queryTokens) +
			conceptWeight*conceptOverlap(c.contentTokens, scoring) +
			priorityWeight*normalizedPriority(c.priority)
		if c.score < o.opts.RelevanceThreshold {
			continue
		}
		eligible = append(eligible, c)
	}

	if o.opts.EnableSemanticClustering {
		eligible = clusterRepresentatives(eligible)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		if eligible[i].priority != eligible[j].priority {
			return eligible[i].priority > eligible[j].priority
		}
		return eligible[i].key < eligible[j].key
	})

	selected, strategy, totalTokens := o.fitBudget(ctx, eligible)

	reason := buildReasoning(selected, scoring, queryTokens, strategy)

	// Cancellation rolls back the whole turn's session mutation.
	if err := ctx.Err(); err != nil {
		o.metrics.RecordTurnRollback()
		return nil, err
	}

	if o.opts.EnableConceptMapping {
		sess.commit(working, reason, o.opts.MaxReasoningHistory)
	} else {
		sess.commit(sess.concepts, reason, o.opts.MaxReasoningHistory)
	}

	var totalScore float64
	for _, s := range selected {
		totalScore += s.Score
	}

	o.metrics.RecordSelectedTokens(totalTokens)
	o.metrics.RecordStrategy(string(strategy))

	return &Result{
		SelectedContexts:    selected,
		ContextStrategy:     strategy,
		TotalRelevanceScore: totalScore,
		ConceptMap:          snapshotConcepts(scoring),
		ReasoningChain:      sess.reasoningSnapshot(),
	}, nil
}

// expandConcepts asks the knowledge base for related terms and seeds them at
// a low strength. Failures degrade to the locally extracted set.
func (o *Orchestrator) expandConcepts(ctx context.Context, working map[string]conceptEntry, queryTokens []string, now time.Time) {
	if o.kb == nil || len(queryTokens) == 0 {
		return
	}
	related, err := o.kb.RelatedConcepts(ctx, queryTokens)
	if err != nil {
		o.logger.Warn("Related-concept expansion failed, continuing locally: %v", err)
		o.metrics.RecordKnowledgeBaseFailure("related_concepts")
		return
	}
	for _, term := range related {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || stopwords[term] {
			continue
		}
		if _, exists := working[term]; exists {
			continue
		}
		working[term] = conceptEntry{Strength: relatedConceptStrength, LastTouched: now}
	}
}

// resolveContents fans out the declared contexts' accessors with a bounded
// per-accessor timeout. A slow or failing accessor makes that context
// unavailable for this turn, not fatal.
func (o *Orchestrator) resolveContents(ctx context.Context, contexts []state.Context) []candidate {
	if len(contexts) == 0 {
		return nil
	}
	resolved := make([]candidate, len(contexts))
	ok := make([]bool, len(contexts))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range contexts {
		g.Go(func() error {
			content, err := o.resolveOne(gctx, c)
			if err != nil {
				o.logger.Warn("Context %q unavailable this turn: %v", c.Key, err)
				o.metrics.RecordAccessorTimeout()
				return nil
			}
			resolved[i] = candidate{
				key:           c.Key,
				content:       content,
				priority:      c.Priority,
				source:        "state",
				tokens:        o.estimateTokens(content),
				contentTokens: tokenSet(content),
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]candidate, 0, len(contexts))
	for i := range resolved {
		if ok[i] {
			out = append(out, resolved[i])
		}
	}
	return out
}

// resolveOne runs a single accessor in its own goroutine so a hanging
// accessor is abandoned at the timeout instead of stalling the turn.
func (o *Orchestrator) resolveOne(ctx context.Context, c state.Context) (string, error) {
	actx, cancel := context.WithTimeout(ctx, o.opts.AccessorTimeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		content, err := c.Accessor()(actx)
		done <- outcome{content, err}
	}()

	select {
	case res := <-done:
		return res.content, res.err
	case <-actx.Done():
		return "", actx.Err()
	}
}

// searchKnowledge folds external fragments into the candidate set. A failing
// call never aborts the turn.
func (o *Orchestrator) searchKnowledge(ctx context.Context, userText string, scoring map[string]conceptEntry) []candidate {
	if o.kb == nil {
		return nil
	}
	concepts := make([]string, 0, len(scoring))
	for c := range scoring {
		concepts = append(concepts, c)
	}
	sort.Strings(concepts)

	results, err := o.kb.Search(ctx, userText, concepts)
	if err != nil {
		o.logger.Warn("Knowledge base search failed, scoring locally: %v", err)
		o.metrics.RecordKnowledgeBaseFailure("search")
		return nil
	}

	out := make([]candidate, 0, len(results))
	for i, r := range results {
		key := r.Source
		if key == "" {
			key = fmt.Sprintf("kb-%d", i)
		}
		out = append(out, candidate{
			key:           "kb:" + key,
			content:       r.Content,
			priority:      int(r.Relevance * 100),
			source:        "knowledge",
			tokens:        o.estimateTokens(r.Content),
			contentTokens: tokenSet(r.Content),
		})
	}
	return out
}

// estimateTokens is conservative: an estimation failure treats the fragment
// as maximally expensive rather than silently exceeding the budget.
func (o *Orchestrator) estimateTokens(content string) int {
	if content == "" {
		return 0
	}
	tokens := tokenutil.CountTokens(content)
	if tokens <= 0 {
		return o.opts.MaxContextTokens + 1
	}
	return tokens
}

// fitBudget greedily packs the scored candidates under MaxContextTokens and
// tags the outcome. When not even the single best candidate fits, it is
// summarized (if a summarizer is configured) or truncated.
func (o *Orchestrator) fitBudget(ctx context.Context, eligible []candidate) ([]SelectedContext, Strategy, int) {
	var selected []SelectedContext
	total := 0
	dropped := false

	for _, c := range eligible {
		if total+c.tokens > o.opts.MaxContextTokens {
			dropped = true
			continue
		}
		selected = append(selected, SelectedContext{
			Key:     c.key,
			Content: c.content,
			Source:  c.source,
			Score:   c.score,
			Tokens:  c.tokens,
		})
		total += c.tokens
	}

	if len(selected) > 0 {
		if dropped {
			return selected, StrategyFiltered, total
		}
		return selected, StrategyFull, total
	}
	if len(eligible) == 0 {
		return nil, StrategyFull, 0
	}

	// Nothing fit: compress the single best candidate.
	top := eligible[0]
	if o.summarizer != nil {
		if summary, err := o.summarizer.Summarize(ctx, top.content, o.opts.MaxContextTokens); err == nil {
			if tokens := o.estimateTokens(summary); tokens <= o.opts.MaxContextTokens {
				return []SelectedContext{{
					Key:     top.key,
					Content: summary,
					Source:  top.source,
					Score:   top.score,
					Tokens:  tokens,
				}}, StrategySummarized, tokens
			}
		} else {
			o.logger.Warn("Summarizer failed for %q, truncating instead: %v", top.key, err)
		}
	}

	truncated := tokenutil.TruncateToTokens(top.content, o.opts.MaxContextTokens)
	tokens := o.estimateTokens(truncated)
	if tokens > o.opts.MaxContextTokens {
		// Truncation overshoot (ellipsis, estimation slack): cut harder.
		truncated = tokenutil.TruncateToTokens(top.content, o.opts.MaxContextTokens/2)
		tokens = o.estimateTokens(truncated)
		if tokens > o.opts.MaxContextTokens {
			return nil, StrategyMinimal, 0
		}
	}
	return []SelectedContext{{
		Key:     top.key,
		Content: truncated,
		Source:  top.source,
		Score:   top.score,
		Tokens:  tokens,
	}}, StrategyMinimal, tokens
}

// buildReasoning renders a human-readable justification for the selection.
func buildReasoning(selected []SelectedContext, scoring map[string]conceptEntry, queryTokens []string, strategy Strategy) string {
	if len(selected) == 0 {
		return fmt.Sprintf("no context cleared the relevance threshold for query terms %s (strategy=%s)",
			strings.Join(queryTokens, ", "), strategy)
	}

	top := selected[0]
	var matched []string
	for _, t := range queryTokens {
		if entry, ok := scoring[t]; ok && entry.Strength > 0 {
			matched = append(matched, fmt.Sprintf("%s(%.2f)", t, entry.Strength))
		}
	}
	parts := []string{fmt.Sprintf("selected %q (score %.2f, %s)", top.Key, top.Score, strategy)}
	if len(matched) > 0 {
		parts = append(parts, "active concepts: "+strings.Join(matched, ", "))
	}
	if len(selected) > 1 {
		parts = append(parts, fmt.Sprintf("%d further context(s) included", len(selected)-1))
	}
	return strings.Join(parts, "; ")
}

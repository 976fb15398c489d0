package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"orbit/internal/agent/ports"
	"orbit/internal/observability"
	"orbit/internal/state"
)

func newTestOrchestrator(t *testing.T, opts Options, extra ...Option) *Orchestrator {
	t.Helper()
	extra = append(extra,
		WithMetrics(observability.NewOrchestrationMetricsWithRegisterer(prometheus.NewRegistry())),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	o, err := New(opts, extra...)
	require.NoError(t, err)
	return o
}

func reactNodeContexts() []state.Context {
	return []state.Context{
		{Key: "react", Description: "React overview", Content: "React is a UI library", Priority: 90},
		{Key: "node", Description: "Node overview", Content: "Node.js runs JS on servers", Priority: 50},
	}
}

func conceptStrength(result *Result, concept string) (float64, bool) {
	for _, c := range result.ConceptMap {
		if c.Concept == concept {
			return c.Strength, true
		}
	}
	return 0, false
}

func TestZeroOptionsAreTakenLiterally(t *testing.T) {
	opts := Options{}.withDefaults()

	// Unset numerics are filled in, but an explicit zero threshold and the
	// boolean zero value survive as authored.
	require.False(t, opts.EnableConceptMapping)
	require.Zero(t, opts.RelevanceThreshold)
	require.Zero(t, opts.TimeDecayFactor)
	require.Equal(t, DefaultOptions().MaxContextTokens, opts.MaxContextTokens)
	require.Equal(t, DefaultOptions().MaxReasoningHistory, opts.MaxReasoningHistory)
	require.Equal(t, DefaultOptions().AccessorTimeout, opts.AccessorTimeout)
	require.Equal(t, DefaultOptions().MaxSessions, opts.MaxSessions)
}

func TestTopicShiftChangesRanking(t *testing.T) {
	o := newTestOrchestrator(t, Options{
		MaxContextTokens:     2048,
		MaxReasoningHistory:  10,
		RelevanceThreshold:   0.05,
		EnableConceptMapping: true,
		TimeDecayFactor:      0.1,
	})
	ctx := context.Background()

	turn1, err := o.Orchestrate(ctx, "sess", "tell me about react", reactNodeContexts())
	require.NoError(t, err)
	require.Equal(t, StrategyFull, turn1.ContextStrategy)
	require.NotEmpty(t, turn1.SelectedContexts)
	require.Equal(t, "react", turn1.SelectedContexts[0].Key)

	reactBefore, ok := conceptStrength(turn1, "react")
	require.True(t, ok)

	turn2, err := o.Orchestrate(ctx, "sess", "and node?", reactNodeContexts())
	require.NoError(t, err)

	// The decayed concept shrinks, the mentioned one grows; the test asserts
	// the direction of the shift, not exact floats.
	reactAfter, ok := conceptStrength(turn2, "react")
	require.True(t, ok)
	require.Less(t, reactAfter, reactBefore)

	nodeStrength, ok := conceptStrength(turn2, "node")
	require.True(t, ok)
	require.Greater(t, nodeStrength, reactAfter)

	require.Equal(t, "node", turn2.SelectedContexts[0].Key)
}

func TestDecayIsMonotonicForUnmentionedConcepts(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	prev, err := o.Orchestrate(ctx, "sess", "react hooks", reactNodeContexts())
	require.NoError(t, err)
	last, _ := conceptStrength(prev, "react")

	for i := 0; i < 5; i++ {
		result, err := o.Orchestrate(ctx, "sess", "something else entirely", reactNodeContexts())
		require.NoError(t, err)
		current, ok := conceptStrength(result, "react")
		if !ok {
			return // pruned below the floor, which is also non-increasing
		}
		require.LessOrEqual(t, current, last)
		last = current
	}
}

func TestBudgetInvariantHolds(t *testing.T) {
	long := strings.Repeat("relevant words about react components and rendering ", 40)
	contexts := []state.Context{
		{Key: "short", Content: "react basics", Priority: 50},
		{Key: "long", Content: long, Priority: 90},
	}

	for _, budget := range []int{10, 50, 200, 4096} {
		o := newTestOrchestrator(t, Options{MaxContextTokens: budget, EnableConceptMapping: true, TimeDecayFactor: 0.1})
		result, err := o.Orchestrate(context.Background(), fmt.Sprintf("sess-%d", budget), "react components", contexts)
		require.NoError(t, err)

		total := 0
		for _, s := range result.SelectedContexts {
			total += s.Tokens
		}
		require.LessOrEqual(t, total, budget, "budget %d violated (strategy=%s)", budget, result.ContextStrategy)
	}
}

func TestMinimalStrategyTruncatesSingleOversizeContext(t *testing.T) {
	long := strings.Repeat("react rendering pipeline details ", 100)
	o := newTestOrchestrator(t, Options{MaxContextTokens: 20, EnableConceptMapping: true, TimeDecayFactor: 0.1})

	result, err := o.Orchestrate(context.Background(), "sess", "react rendering", []state.Context{
		{Key: "deep-dive", Content: long, Priority: 90},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyMinimal, result.ContextStrategy)
	require.Len(t, result.SelectedContexts, 1)
	require.Less(t, len(result.SelectedContexts[0].Content), len(long))
	require.LessOrEqual(t, result.SelectedContexts[0].Tokens, 20)
}

type fakeSummarizer struct{ out string }

func (f fakeSummarizer) Summarize(_ context.Context, _ string, _ int) (string, error) {
	return f.out, nil
}

func TestSummarizedStrategyWhenSummarizerConfigured(t *testing.T) {
	long := strings.Repeat("react rendering pipeline details ", 100)
	o := newTestOrchestrator(t, Options{MaxContextTokens: 20, EnableConceptMapping: true, TimeDecayFactor: 0.1},
		WithSummarizer(fakeSummarizer{out: "react renders via a pipeline"}))

	result, err := o.Orchestrate(context.Background(), "sess", "react rendering", []state.Context{
		{Key: "deep-dive", Content: long, Priority: 90},
	})
	require.NoError(t, err)
	require.Equal(t, StrategySummarized, result.ContextStrategy)
	require.Len(t, result.SelectedContexts, 1)
	require.Equal(t, "react renders via a pipeline", result.SelectedContexts[0].Content)
}

func TestFilteredStrategyWhenSomeDroppedForBudget(t *testing.T) {
	long := strings.Repeat("node servers and event loops ", 50)
	o := newTestOrchestrator(t, Options{MaxContextTokens: 30, EnableConceptMapping: true, TimeDecayFactor: 0.1})

	result, err := o.Orchestrate(context.Background(), "sess", "node servers", []state.Context{
		{Key: "short", Content: "node runs servers", Priority: 40},
		{Key: "long", Content: long, Priority: 90},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyFiltered, result.ContextStrategy)
	require.Len(t, result.SelectedContexts, 1)
	require.Equal(t, "short", result.SelectedContexts[0].Key)
}

type fakeKnowledgeBase struct {
	results []ports.KnowledgeResult
	related []string
	fail    bool
}

func (f fakeKnowledgeBase) Search(context.Context, string, []string) ([]ports.KnowledgeResult, error) {
	if f.fail {
		return nil, errors.New("vector store unavailable")
	}
	return f.results, nil
}

func (f fakeKnowledgeBase) RelatedConcepts(context.Context, []string) ([]string, error) {
	if f.fail {
		return nil, errors.New("vector store unavailable")
	}
	return f.related, nil
}

func TestKnowledgeBaseFailureDegradesGracefully(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOptions(), WithKnowledgeBase(fakeKnowledgeBase{fail: true}))

	result, err := o.Orchestrate(context.Background(), "sess", "tell me about react", reactNodeContexts())
	require.NoError(t, err)
	require.NotEmpty(t, result.SelectedContexts, "local contexts must survive a KB outage")
	require.Equal(t, "react", result.SelectedContexts[0].Key)
}

func TestKnowledgeBaseResultsJoinCandidates(t *testing.T) {
	kb := fakeKnowledgeBase{
		results: []ports.KnowledgeResult{
			{Content: "react fiber is the react reconciliation engine", Relevance: 0.9, Source: "kb-docs"},
		},
		related: []string{"jsx"},
	}
	o := newTestOrchestrator(t, DefaultOptions(), WithKnowledgeBase(kb))

	result, err := o.Orchestrate(context.Background(), "sess", "tell me about react", reactNodeContexts())
	require.NoError(t, err)

	var sawKB bool
	for _, s := range result.SelectedContexts {
		if s.Source == "knowledge" {
			sawKB = true
			require.Equal(t, "kb:kb-docs", s.Key)
		}
	}
	require.True(t, sawKB, "knowledge fragment should be selected")

	// Externally suggested concepts are seeded below direct mentions.
	jsx, ok := conceptStrength(result, "jsx")
	require.True(t, ok)
	react, _ := conceptStrength(result, "react")
	require.Less(t, jsx, react)
}

func TestHangingAccessorIsAbandoned(t *testing.T) {
	opts := DefaultOptions()
	opts.AccessorTimeout = 20 * time.Millisecond
	o := newTestOrchestrator(t, opts)

	contexts := []state.Context{
		{Key: "fast", Content: "react basics", Priority: 50},
		{Key: "hanging", Priority: 90, Dynamic: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
	}

	start := time.Now()
	result, err := o.Orchestrate(context.Background(), "sess", "react basics", contexts)
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)

	for _, s := range result.SelectedContexts {
		require.NotEqual(t, "hanging", s.Key, "timed-out context must be unavailable this turn")
	}
	require.NotEmpty(t, result.SelectedContexts)
}

func TestSemanticClusteringKeepsBestRepresentative(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableSemanticClustering = true
	o := newTestOrchestrator(t, opts)

	contexts := []state.Context{
		{Key: "dup-low", Content: "the UI library react", Priority: 10},
		{Key: "dup-high", Content: "React is a UI library", Priority: 90},
	}
	result, err := o.Orchestrate(context.Background(), "sess", "react library", contexts)
	require.NoError(t, err)
	require.Len(t, result.SelectedContexts, 1, "near-duplicates must collapse to one representative")
	require.Equal(t, "dup-high", result.SelectedContexts[0].Key)
}

func TestReasoningChainIsBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxReasoningHistory = 2
	o := newTestOrchestrator(t, opts)
	ctx := context.Background()

	var last *Result
	for _, text := range []string{"react one", "react two", "react three"} {
		var err error
		last, err = o.Orchestrate(ctx, "sess", text, reactNodeContexts())
		require.NoError(t, err)
	}
	require.Len(t, last.ReasoningChain, 2)
	require.Contains(t, last.ReasoningChain[len(last.ReasoningChain)-1], "react")
}

func TestConceptMappingDisabledKeepsNoMemory(t *testing.T) {
	opts := DefaultOptions()
	opts.EnableConceptMapping = false
	o := newTestOrchestrator(t, opts)
	ctx := context.Background()

	turn1, err := o.Orchestrate(ctx, "sess", "tell me about react", reactNodeContexts())
	require.NoError(t, err)
	_, hasReact := conceptStrength(turn1, "react")
	require.True(t, hasReact, "current turn's raw counts still drive scoring")

	turn2, err := o.Orchestrate(ctx, "sess", "and node?", reactNodeContexts())
	require.NoError(t, err)
	_, stillReact := conceptStrength(turn2, "react")
	require.False(t, stillReact, "no memory should survive across turns")
}

func TestOrchestrateIsDeterministic(t *testing.T) {
	script := []string{"tell me about react", "and node?", "back to react hooks"}

	run := func() []*Result {
		o := newTestOrchestrator(t, DefaultOptions())
		var results []*Result
		for _, text := range script {
			r, err := o.Orchestrate(context.Background(), "sess", text, reactNodeContexts())
			require.NoError(t, err)
			results = append(results, r)
		}
		return results
	}

	a, b := run(), run()
	for i := range a {
		require.Equal(t, a[i].ContextStrategy, b[i].ContextStrategy)
		require.Equal(t, len(a[i].SelectedContexts), len(b[i].SelectedContexts))
		for j := range a[i].SelectedContexts {
			require.Equal(t, a[i].SelectedContexts[j].Key, b[i].SelectedContexts[j].Key)
		}
		require.Equal(t, a[i].ConceptMap, b[i].ConceptMap)
	}
}

func TestCancelledTurnRollsBackSessionState(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	turn1, err := o.Orchestrate(ctx, "sess", "tell me about react", reactNodeContexts())
	require.NoError(t, err)
	before, _ := conceptStrength(turn1, "react")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = o.Orchestrate(cancelled, "sess", "node servers", reactNodeContexts())
	require.Error(t, err)

	// The cancelled turn must not have applied its decay: the next turn
	// sees exactly one decay step since turn 1.
	turn3, err := o.Orchestrate(ctx, "sess", "something unrelated", reactNodeContexts())
	require.NoError(t, err)
	after, ok := conceptStrength(turn3, "react")
	require.True(t, ok)
	require.InDelta(t, before*0.9, after, 1e-9)
}

func TestSessionsAreIndependent(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOptions())
	ctx := context.Background()

	_, err := o.Orchestrate(ctx, "alice", "tell me about react", reactNodeContexts())
	require.NoError(t, err)

	bob, err := o.Orchestrate(ctx, "bob", "node servers please", reactNodeContexts())
	require.NoError(t, err)
	_, hasReact := conceptStrength(bob, "react")
	require.False(t, hasReact, "concept state must be session-scoped")
}

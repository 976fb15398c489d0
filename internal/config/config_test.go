package config

import (
	"fmt"
	"testing"
	"time"

	"orbit/internal/state"
)

const sampleConfig = `
states:
  - key: engineering
    description: Software questions
    prompt: You are a software assistant.
    parameters:
      temperature: 0.2
    children:
      - key: frontend
        description: Frontend questions
        prompt: Focus on frontend topics.
        contexts: [react]
        tools: [search_docs]
        parameters:
          max_tokens: 2048
      - key: backend
        description: Backend questions
        contexts: [node]

contexts:
  - key: react
    description: React fundamentals
    content: React is a UI library.
    priority: 90
  - key: node
    content: Node.js runs JS on servers.
    priority: 50

tools:
  - name: search_docs
    description: Search documentation

defaults:
  provider: openai
  model: gpt-4o-mini

orchestrator:
  max_context_tokens: 512
  relevance_threshold: 0.1
  enable_semantic_clustering: true
  accessor_timeout: 500ms
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(cfg.States) != 1 || cfg.States[0].Key != "engineering" {
		t.Fatalf("unexpected roots: %+v", cfg.States)
	}
	root := cfg.States[0]
	if len(root.Children) != 2 || root.Children[0].Key != "frontend" {
		t.Fatalf("unexpected children: %+v", root.Children)
	}
	if root.Parameters.Temperature == nil || *root.Parameters.Temperature != 0.2 {
		t.Fatalf("root temperature not decoded: %+v", root.Parameters)
	}
	frontend := root.Children[0]
	if frontend.Parameters.MaxTokens == nil || *frontend.Parameters.MaxTokens != 2048 {
		t.Fatalf("leaf max_tokens not decoded: %+v", frontend.Parameters)
	}
	if len(frontend.ContextKeys) != 1 || frontend.ContextKeys[0] != "react" {
		t.Fatalf("context keys not decoded: %+v", frontend.ContextKeys)
	}

	if cfg.Defaults.Provider != "openai" || cfg.Defaults.Model != "gpt-4o-mini" {
		t.Fatalf("defaults not decoded: %+v", cfg.Defaults)
	}
}

func TestOrchestratorOptionsMergeWithDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	opts := cfg.OrchestratorOptions()

	if opts.MaxContextTokens != 512 {
		t.Fatalf("MaxContextTokens = %d, want 512", opts.MaxContextTokens)
	}
	if opts.RelevanceThreshold != 0.1 {
		t.Fatalf("RelevanceThreshold = %v, want 0.1", opts.RelevanceThreshold)
	}
	if !opts.EnableSemanticClustering {
		t.Fatal("clustering should be enabled")
	}
	if opts.AccessorTimeout != 500*time.Millisecond {
		t.Fatalf("AccessorTimeout = %v, want 500ms", opts.AccessorTimeout)
	}

	// Absent keys keep the documented defaults.
	if !opts.EnableConceptMapping {
		t.Fatal("concept mapping should default to enabled")
	}
	if opts.MaxReasoningHistory != 10 {
		t.Fatalf("MaxReasoningHistory = %d, want default 10", opts.MaxReasoningHistory)
	}
	if opts.TimeDecayFactor != 0.1 {
		t.Fatalf("TimeDecayFactor = %v, want default 0.1", opts.TimeDecayFactor)
	}
}

func TestConceptMappingCanBeDisabled(t *testing.T) {
	cfg, err := Parse([]byte(`
states:
  - key: root
    description: only state
orchestrator:
  enable_concept_mapping: false
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.OrchestratorOptions().EnableConceptMapping {
		t.Fatal("explicit false should survive option conversion")
	}
}

func TestValidationRejectsBadTrees(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no states", `contexts: [{key: x, content: y}]`},
		{"empty state key", `
states:
  - key: root
    children:
      - description: nameless
`},
		{"duplicate sibling keys", `
states:
  - key: root
    children:
      - key: twin
      - key: twin
`},
		{"duplicate context key", `
states:
  - key: root
contexts:
  - key: dup
    content: a
  - key: dup
    content: b
`},
		{"duplicate tool name", `
states:
  - key: root
tools:
  - name: dup
  - name: dup
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidationRejectsExcessiveDepth(t *testing.T) {
	leaf := &state.StateNode{Key: "leaf"}
	node := leaf
	for i := 0; i < state.MaxDepth; i++ {
		node = &state.StateNode{Key: fmt.Sprintf("n%d", i), Children: []*state.StateNode{node}}
	}
	cfg := &Config{States: []*state.StateNode{node}}
	if err := cfg.validate(); err == nil {
		t.Fatal("expected a depth validation error")
	}
}

func TestValidationAcceptsMaxDepth(t *testing.T) {
	node := &state.StateNode{Key: "leaf"}
	for i := 0; i < state.MaxDepth-1; i++ {
		node = &state.StateNode{Key: fmt.Sprintf("n%d", i), Children: []*state.StateNode{node}}
	}
	cfg := &Config{States: []*state.StateNode{node}}
	if err := cfg.validate(); err != nil {
		t.Fatalf("a tree at the depth limit must validate: %v", err)
	}
}

func TestDuplicateKeysAcrossBranchesAllowed(t *testing.T) {
	_, err := Parse([]byte(`
states:
  - key: sales
    children:
      - key: pricing
  - key: support
    children:
      - key: pricing
`))
	if err != nil {
		t.Fatalf("cross-branch duplicate keys must be legal: %v", err)
	}
}

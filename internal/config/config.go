// Package config loads the authored agent definition from YAML: the behavior
// state tree, the shared context and tool catalogs, model defaults, and the
// orchestrator tuning knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"orbit/internal/orchestrator"
	"orbit/internal/state"
)

// Config is the root of the YAML document.
type Config struct {
	States   []*state.StateNode    `yaml:"states"`
	Contexts []state.Context       `yaml:"contexts,omitempty"`
	Tools    []state.Tool          `yaml:"tools,omitempty"`
	Defaults state.ModelParameters `yaml:"defaults,omitempty"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge,omitempty"`
}

// OrchestratorConfig mirrors orchestrator.Options with pointer booleans so an
// absent key keeps the documented default instead of forcing false.
type OrchestratorConfig struct {
	MaxContextTokens         int      `yaml:"max_context_tokens,omitempty"`
	MaxReasoningHistory      int      `yaml:"max_reasoning_history,omitempty"`
	RelevanceThreshold       *float64 `yaml:"relevance_threshold,omitempty"`
	EnableConceptMapping     *bool    `yaml:"enable_concept_mapping,omitempty"`
	EnableSemanticClustering *bool    `yaml:"enable_semantic_clustering,omitempty"`
	TimeDecayFactor          *float64 `yaml:"time_decay_factor,omitempty"`
	AccessorTimeout          Duration `yaml:"accessor_timeout,omitempty"`
	MaxSessions              int      `yaml:"max_sessions,omitempty"`
}

// Duration accepts Go duration strings ("500ms", "2s") in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// KnowledgeConfig configures the optional vector knowledge base. Documents
// listed here are indexed at startup.
type KnowledgeConfig struct {
	Enabled       bool                `yaml:"enabled,omitempty"`
	PersistPath   string              `yaml:"persist_path,omitempty"`
	Collection    string              `yaml:"collection,omitempty"`
	TopK          int                 `yaml:"top_k,omitempty"`
	MinSimilarity float64             `yaml:"min_similarity,omitempty"`
	Documents     []KnowledgeDocument `yaml:"documents,omitempty"`
}

// KnowledgeDocument is one startup-indexed document.
type KnowledgeDocument struct {
	ID       string            `yaml:"id"`
	Content  string            `yaml:"content"`
	Source   string            `yaml:"source,omitempty"`
	Concepts []string          `yaml:"concepts,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// OrchestratorOptions converts the YAML section into runtime options,
// filling everything unset with the documented defaults.
func (c *Config) OrchestratorOptions() orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	oc := c.Orchestrator
	if oc.MaxContextTokens > 0 {
		opts.MaxContextTokens = oc.MaxContextTokens
	}
	if oc.MaxReasoningHistory > 0 {
		opts.MaxReasoningHistory = oc.MaxReasoningHistory
	}
	if oc.RelevanceThreshold != nil {
		opts.RelevanceThreshold = *oc.RelevanceThreshold
	}
	if oc.EnableConceptMapping != nil {
		opts.EnableConceptMapping = *oc.EnableConceptMapping
	}
	if oc.EnableSemanticClustering != nil {
		opts.EnableSemanticClustering = *oc.EnableSemanticClustering
	}
	if oc.TimeDecayFactor != nil {
		opts.TimeDecayFactor = *oc.TimeDecayFactor
	}
	if oc.AccessorTimeout > 0 {
		opts.AccessorTimeout = time.Duration(oc.AccessorTimeout)
	}
	if oc.MaxSessions > 0 {
		opts.MaxSessions = oc.MaxSessions
	}
	return opts
}

func (c *Config) validate() error {
	if len(c.States) == 0 {
		return fmt.Errorf("config: at least one state is required")
	}
	for i, root := range c.States {
		if err := validateNode(root, fmt.Sprintf("states[%d]", i), 1); err != nil {
			return err
		}
	}
	seen := make(map[string]bool, len(c.Contexts))
	for _, cx := range c.Contexts {
		if cx.Key == "" {
			return fmt.Errorf("config: context with empty key")
		}
		if seen[cx.Key] {
			return fmt.Errorf("config: duplicate context key %q", cx.Key)
		}
		seen[cx.Key] = true
	}
	names := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("config: tool with empty name")
		}
		if names[tool.Name] {
			return fmt.Errorf("config: duplicate tool name %q", tool.Name)
		}
		names[tool.Name] = true
	}
	return nil
}

// validateNode enforces non-empty keys, per-sibling key uniqueness, and the
// same depth bound the resolver enforces, so pathological input is rejected
// at load time. The same key in different branches is legal and
// disambiguated by path.
func validateNode(node *state.StateNode, at string, depth int) error {
	if node == nil {
		return fmt.Errorf("config: %s is null", at)
	}
	if depth > state.MaxDepth {
		return fmt.Errorf("config: %s exceeds maximum state depth %d", at, state.MaxDepth)
	}
	if node.Key == "" {
		return fmt.Errorf("config: %s has an empty key", at)
	}
	siblings := make(map[string]bool, len(node.Children))
	for i, child := range node.Children {
		if child != nil && siblings[child.Key] {
			return fmt.Errorf("config: %s has duplicate child key %q", at, child.Key)
		}
		if child != nil {
			siblings[child.Key] = true
		}
		if err := validateNode(child, fmt.Sprintf("%s.children[%d]", at, i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

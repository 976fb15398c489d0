package state

import "context"

// StateNode is one authored node in the behavior hierarchy. A node with
// children is a branch and is never directly selectable; a node without
// children is a leaf, the unit of behavior selection for one turn.
//
// Keys are unique only within a sibling list. The same key may appear in
// different branches; resolved leaves are disambiguated by their Path.
type StateNode struct {
	Key         string          `yaml:"key"`
	Description string          `yaml:"description"`
	Prompt      string          `yaml:"prompt,omitempty"`
	ContextKeys []string        `yaml:"contexts,omitempty"`
	ToolNames   []string        `yaml:"tools,omitempty"`
	Parameters  ModelParameters `yaml:"parameters,omitempty"`
	Children    []*StateNode    `yaml:"children,omitempty"`

	// Guards are authored programmatically, not from YAML. They are stored
	// on the resolved leaf and evaluated by the caller right before a
	// transition, never during resolution.
	EntryGuard GuardFunc `yaml:"-"`
	ExitGuard  GuardFunc `yaml:"-"`
}

// ModelParameters holds per-node model overrides. Nil/empty fields are
// "unset" and fall through to the nearest ancestor, then to the
// process-wide defaults.
type ModelParameters struct {
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty" json:"top_p,omitempty"`
}

// merge returns the receiver overlaid with every set field of override.
// The override (closer to the leaf) always wins per field.
func (p ModelParameters) merge(override ModelParameters) ModelParameters {
	out := p
	if override.Provider != "" {
		out.Provider = override.Provider
	}
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	return out
}

// ContentFunc is the single asynchronous accessor every context content is
// normalized into at the boundary. Literal strings become a trivial closure
// so call sites never branch on the content kind.
type ContentFunc func(ctx context.Context) (string, error)

// Context is an authored knowledge fragment a state can declare.
type Context struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description,omitempty"`
	Content     string `yaml:"content,omitempty"`
	Priority    int    `yaml:"priority,omitempty"`

	// Dynamic takes precedence over Content when set.
	Dynamic ContentFunc `yaml:"-"`
}

// Accessor normalizes literal and dynamic content into one ContentFunc.
func (c Context) Accessor() ContentFunc {
	if c.Dynamic != nil {
		return c.Dynamic
	}
	literal := c.Content
	return func(context.Context) (string, error) {
		return literal, nil
	}
}

// Tool describes a capability a leaf state may expose to the model.
// Dispatch and sandboxing live behind an external registry.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty"`
}

// LeafDescriptor is the minimal projection handed to the intent-selection
// collaborator.
type LeafDescriptor struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

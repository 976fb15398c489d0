package state

import (
	"errors"
	"fmt"
	"strings"

	"orbit/internal/observability"
	"orbit/internal/utils"
)

const (
	// MaxDepth bounds tree traversal so pathological input surfaces as a
	// configuration error instead of stack exhaustion.
	MaxDepth = 64

	promptSeparator = "\n\n"
)

// ErrLeafNotFound is returned when no resolved leaf carries the given key.
var ErrLeafNotFound = errors.New("leaf state not found")

// ErrMaxDepthExceeded is a fatal configuration error reported at startup.
var ErrMaxDepthExceeded = errors.New("state tree exceeds maximum depth")

// ResolvedState is the fully flattened configuration for one leaf. It is
// immutable after Resolve returns.
type ResolvedState struct {
	Key         string
	Description string

	// FullPrompt concatenates every ancestor prompt fragment plus the
	// leaf's own, root to leaf, so ancestors set context and the leaf
	// states the specific task last.
	FullPrompt string

	Contexts   []Context
	Tools      []Tool
	Parameters ModelParameters

	// Path lists keys from root to this leaf. Two leaves may share a key
	// as long as their paths differ.
	Path []string

	EntryGuard GuardFunc
	ExitGuard  GuardFunc
}

// IsLeaf is true by construction; only leaves are resolved.
func (s ResolvedState) IsLeaf() bool { return true }

// PathString renders the path as "root/child/leaf".
func (s ResolvedState) PathString() string { return strings.Join(s.Path, "/") }

// Resolver holds the immutable output of a single resolution pass: one
// ResolvedState per leaf plus flat lookup tables for contexts and tools.
type Resolver struct {
	leaves   []ResolvedState
	byKey    map[string]int
	contexts map[string]Context
	tools    map[string]Tool

	logger  *utils.Logger
	metrics *observability.OrchestrationMetrics
}

// Option configures the resolver.
type Option func(*Resolver)

// WithLogger injects a custom logger (used by tests).
func WithLogger(logger *utils.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics allows overriding the metrics recorder.
func WithMetrics(metrics *observability.OrchestrationMetrics) Option {
	return func(r *Resolver) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// accumulator carries inherited data down one branch. Sibling branches never
// share accumulator state.
type accumulator struct {
	prompts     []string
	contextKeys []string
	toolNames   []string
	params      ModelParameters
	path        []string
}

// child clones the accumulator and appends one node's own data last, so
// leaf-level overrides always have final say.
func (a accumulator) child(node *StateNode) accumulator {
	next := accumulator{
		prompts:     append([]string(nil), a.prompts...),
		contextKeys: append([]string(nil), a.contextKeys...),
		toolNames:   append([]string(nil), a.toolNames...),
		params:      a.params.merge(node.Parameters),
		path:        append(append([]string(nil), a.path...), node.Key),
	}
	if strings.TrimSpace(node.Prompt) != "" {
		next.prompts = append(next.prompts, node.Prompt)
	}
	next.contextKeys = append(next.contextKeys, node.ContextKeys...)
	next.toolNames = append(next.toolNames, node.ToolNames...)
	return next
}

type frame struct {
	node  *StateNode
	depth int
	acc   accumulator
}

// Resolve flattens the authored tree into leaf configurations. It is a pure
// function of its inputs and never fails on malformed references: a state
// citing an unknown context or tool key simply excludes it. The only fatal
// condition is structural (depth beyond MaxDepth).
func Resolve(roots []*StateNode, contexts []Context, tools []Tool, defaults ModelParameters, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		byKey:    make(map[string]int),
		contexts: make(map[string]Context, len(contexts)),
		tools:    make(map[string]Tool, len(tools)),
		logger:   utils.NewComponentLogger("StateResolver"),
		metrics:  observability.NewOrchestrationMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	for _, c := range contexts {
		r.contexts[c.Key] = c
	}
	for _, t := range tools {
		r.tools[t.Name] = t
	}

	// Explicit work stack instead of native recursion; push children in
	// reverse so leaves emit in authored order.
	var stack []frame
	for i := len(roots) - 1; i >= 0; i-- {
		if roots[i] == nil {
			continue
		}
		stack = append(stack, frame{node: roots[i], depth: 1, acc: accumulator{params: defaults}})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.depth > MaxDepth {
			return nil, fmt.Errorf("%w: node %q at depth %d (max %d)",
				ErrMaxDepthExceeded, f.node.Key, f.depth, MaxDepth)
		}

		acc := f.acc.child(f.node)

		if len(f.node.Children) == 0 {
			r.leaves = append(r.leaves, r.buildLeaf(f.node, acc))
			if _, exists := r.byKey[f.node.Key]; !exists {
				r.byKey[f.node.Key] = len(r.leaves) - 1
			}
			continue
		}
		for i := len(f.node.Children) - 1; i >= 0; i-- {
			child := f.node.Children[i]
			if child == nil {
				continue
			}
			stack = append(stack, frame{node: child, depth: f.depth + 1, acc: acc})
		}
	}

	return r, nil
}

func (r *Resolver) buildLeaf(node *StateNode, acc accumulator) ResolvedState {
	leaf := ResolvedState{
		Key:         node.Key,
		Description: node.Description,
		FullPrompt:  strings.Join(acc.prompts, promptSeparator),
		Parameters:  acc.params,
		Path:        acc.path,
		EntryGuard:  node.EntryGuard,
		ExitGuard:   node.ExitGuard,
	}

	seenContexts := make(map[string]bool, len(acc.contextKeys))
	for _, key := range acc.contextKeys {
		if seenContexts[key] {
			continue
		}
		seenContexts[key] = true
		ctx, ok := r.contexts[key]
		if !ok {
			r.logger.Warn("State %q cites unknown context key %q, dropping", leaf.PathString(), key)
			r.metrics.RecordUnresolvedReference("context")
			continue
		}
		leaf.Contexts = append(leaf.Contexts, ctx)
	}

	seenTools := make(map[string]bool, len(acc.toolNames))
	for _, name := range acc.toolNames {
		if seenTools[name] {
			continue
		}
		seenTools[name] = true
		tool, ok := r.tools[name]
		if !ok {
			r.logger.Warn("State %q cites unknown tool %q, dropping", leaf.PathString(), name)
			r.metrics.RecordUnresolvedReference("tool")
			continue
		}
		leaf.Tools = append(leaf.Tools, tool)
	}

	return leaf
}

// Leaves returns every resolved leaf in authored order.
func (r *Resolver) Leaves() []ResolvedState {
	return r.leaves
}

// LeafByKey returns the first leaf (in authored order) with the given key.
// Not-found is a recoverable condition, not fatal.
func (r *Resolver) LeafByKey(key string) (ResolvedState, error) {
	idx, ok := r.byKey[key]
	if !ok {
		return ResolvedState{}, fmt.Errorf("%w: %q", ErrLeafNotFound, key)
	}
	return r.leaves[idx], nil
}

// LeafByPath resolves a leaf by its full root-to-leaf path, the only way to
// disambiguate duplicate keys across branches.
func (r *Resolver) LeafByPath(path []string) (ResolvedState, error) {
	for _, leaf := range r.leaves {
		if len(leaf.Path) != len(path) {
			continue
		}
		match := true
		for i := range path {
			if leaf.Path[i] != path[i] {
				match = false
				break
			}
		}
		if match {
			return leaf, nil
		}
	}
	return ResolvedState{}, fmt.Errorf("%w: path %q", ErrLeafNotFound, strings.Join(path, "/"))
}

// LeafStateTree is the minimal projection handed to the intent-selection
// collaborator.
func (r *Resolver) LeafStateTree() []LeafDescriptor {
	out := make([]LeafDescriptor, 0, len(r.leaves))
	for _, leaf := range r.leaves {
		out = append(out, LeafDescriptor{Key: leaf.Key, Description: leaf.Description})
	}
	return out
}

// Context looks up a context by key in the flat table.
func (r *Resolver) Context(key string) (Context, bool) {
	c, ok := r.contexts[key]
	return c, ok
}

// Tool looks up a tool by name in the flat table.
func (r *Resolver) Tool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

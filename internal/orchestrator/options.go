package orchestrator

import "time"

// Scoring weights. They sum to 1 so combined scores stay in [0,1] and remain
// comparable against RelevanceThreshold across configurations.
const (
	keywordWeight  = 0.5
	conceptWeight  = 0.3
	priorityWeight = 0.2
)

const (
	// conceptFloor prunes decayed concepts that no longer influence scoring.
	conceptFloor = 0.01

	// relatedConceptStrength is the initial strength for externally
	// suggested concepts, low enough not to dominate direct mentions.
	relatedConceptStrength = 0.5

	// clusterSimilarityCutoff is the token-overlap ratio above which two
	// contexts are considered near-duplicates.
	clusterSimilarityCutoff = 0.8
)

// Options configures the orchestrator. Unset numeric fields fall back to
// the documented defaults via withDefaults; EnableConceptMapping and a zero
// RelevanceThreshold are taken literally (off / admit everything), so start
// from DefaultOptions and override when the defaults are wanted.
type Options struct {
	// MaxContextTokens is the hard ceiling on the combined estimated token
	// cost of the selected contexts. Default 2048.
	MaxContextTokens int

	// MaxReasoningHistory caps the per-session reasoning chain. Default 10.
	MaxReasoningHistory int

	// RelevanceThreshold is the minimum combined score for a context to be
	// eligible at all. Zero admits every candidate; DefaultOptions sets 0.05.
	RelevanceThreshold float64

	// EnableConceptMapping turns cross-turn concept accumulation on. When
	// false, scoring uses only the current turn's keyword counts and no
	// session memory is kept. The zero value is off; DefaultOptions enables it.
	EnableConceptMapping bool

	// EnableSemanticClustering merges near-duplicate contexts before
	// selection to avoid redundant token spend. Default false.
	EnableSemanticClustering bool

	// TimeDecayFactor is the per-turn exponential decay applied to stored
	// concept strengths before new evidence accumulates. Zero disables
	// decay; DefaultOptions sets 0.1.
	TimeDecayFactor float64

	// AccessorTimeout bounds each dynamic content accessor; a slow accessor
	// makes its context unavailable for the turn, nothing more. Default 2s.
	AccessorTimeout time.Duration

	// MaxSessions bounds the in-process session registry (LRU eviction
	// stands in for the external session-expiry policy). Default 1024.
	MaxSessions int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxContextTokens:     2048,
		MaxReasoningHistory:  10,
		RelevanceThreshold:   0.05,
		EnableConceptMapping: true,
		TimeDecayFactor:      0.1,
		AccessorTimeout:      2 * time.Second,
		MaxSessions:          1024,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxContextTokens <= 0 {
		o.MaxContextTokens = def.MaxContextTokens
	}
	if o.MaxReasoningHistory <= 0 {
		o.MaxReasoningHistory = def.MaxReasoningHistory
	}
	if o.RelevanceThreshold < 0 {
		o.RelevanceThreshold = def.RelevanceThreshold
	}
	if o.TimeDecayFactor < 0 || o.TimeDecayFactor >= 1 {
		o.TimeDecayFactor = def.TimeDecayFactor
	}
	if o.AccessorTimeout <= 0 {
		o.AccessorTimeout = def.AccessorTimeout
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = def.MaxSessions
	}
	return o
}

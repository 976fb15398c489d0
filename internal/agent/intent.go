package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"orbit/internal/agent/ports"
	"orbit/internal/utils"
)

// LLMIntentAnalyzer asks the model which leaf state fits the turn and parses
// its JSON verdict. Malformed JSON is repaired before giving up; when the
// model is unavailable or the verdict is unusable, selection degrades to
// keyword overlap against the leaf descriptions.
type LLMIntentAnalyzer struct {
	llm    ports.LLMClient
	logger *utils.Logger
}

// NewLLMIntentAnalyzer creates an analyzer. A nil client means pure keyword
// selection, which keeps the agent usable offline.
func NewLLMIntentAnalyzer(llm ports.LLMClient) *LLMIntentAnalyzer {
	return &LLMIntentAnalyzer{
		llm:    llm,
		logger: utils.NewComponentLogger("IntentAnalyzer"),
	}
}

// SelectLeaf returns the key of the best-fitting candidate. It never fails
// when at least one candidate exists.
func (a *LLMIntentAnalyzer) SelectLeaf(ctx context.Context, userText string, history []ports.Message, candidates []ports.LeafCandidate) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no leaf candidates")
	}
	if a.llm == nil {
		return keywordSelect(userText, candidates), nil
	}

	resp, err := a.llm.Complete(ctx, ports.CompletionRequest{
		Messages: append(trimHistory(history, 6), ports.Message{
			Role:    "user",
			Content: buildIntentPrompt(userText, candidates),
		}),
		Temperature: 0,
		MaxTokens:   128,
	})
	if err != nil {
		a.logger.Warn("Intent completion failed, using keyword fallback: %v", err)
		return keywordSelect(userText, candidates), nil
	}

	key, ok := parseIntentVerdict(resp.Content)
	if !ok {
		a.logger.Warn("Unusable intent verdict %q, using keyword fallback", resp.Content)
		return keywordSelect(userText, candidates), nil
	}
	for _, c := range candidates {
		if c.Key == key {
			return key, nil
		}
	}
	a.logger.Warn("Intent verdict %q is not a known leaf, using keyword fallback", key)
	return keywordSelect(userText, candidates), nil
}

func buildIntentPrompt(userText string, candidates []ports.LeafCandidate) string {
	var sb strings.Builder
	sb.WriteString("Pick the single state that should handle the user's message.\n")
	sb.WriteString("Reply with JSON only: {\"state\": \"<key>\"}\n\nStates:\n")
	for _, c := range candidates {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Key, c.Description)
	}
	fmt.Fprintf(&sb, "\nUser message: %s\n", userText)
	return sb.String()
}

// parseIntentVerdict extracts the chosen key from the model reply, repairing
// malformed JSON before giving up.
func parseIntentVerdict(content string) (string, bool) {
	var verdict struct {
		State string `json:"state"`
	}
	payload := strings.TrimSpace(content)
	if err := json.Unmarshal([]byte(payload), &verdict); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return "", false
		}
		if err := json.Unmarshal([]byte(repaired), &verdict); err != nil {
			return "", false
		}
	}
	if verdict.State == "" {
		return "", false
	}
	return verdict.State, true
}

// keywordSelect scores each candidate by token overlap between the user text
// and the candidate's key plus description. Ties go to the first candidate
// in authored order so selection stays deterministic.
func keywordSelect(userText string, candidates []ports.LeafCandidate) string {
	queryTokens := simpleTokens(userText)
	best := candidates[0].Key
	bestScore := -1
	for _, c := range candidates {
		tokens := simpleTokens(c.Key + " " + c.Description)
		set := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			set[t] = true
		}
		score := 0
		for _, t := range queryTokens {
			if set[t] {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = c.Key
		}
	}
	return best
}

func simpleTokens(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

package scoring

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmjson"
)

// ImportanceEvaluator assigns an initial importance to content at ingest
// when the caller supplies none.
//
// With a completion provider it asks the model for a score; otherwise, or
// when the call fails, it falls back to keyword heuristics.
type ImportanceEvaluator struct {
	llm llm.Provider

	// base is the score of content that matches no rule.
	base float64
}

// NewImportanceEvaluator creates an evaluator. provider may be nil.
func NewImportanceEvaluator(provider llm.Provider) *ImportanceEvaluator {
	return &ImportanceEvaluator{llm: provider, base: 0.3}
}

var (
	outcomeKeywords = []string{
		"error", "fail", "failed", "failure", "timeout", "exception",
		"crash", "refused", "denied", "panic", "rollback",
	}
	lessonKeywords = []string{
		"important", "critical", "urgent", "remember", "note", "lesson",
		"always", "never", "must", "decided", "decision", "fixed", "resolved",
	}
	preferenceKeywords = []string{
		"prefer", "preference", "like", "dislike", "hate", "love",
	}
	numberPattern = regexp.MustCompile(`\d+\.?\d*`)
)

// Evaluate returns an importance in [0,1].
func (e *ImportanceEvaluator) Evaluate(ctx context.Context, content string, metadata map[string]interface{}) float64 {
	if e.llm != nil {
		if score, err := e.evaluateWithLLM(ctx, content); err == nil {
			return score
		}
	}
	return e.evaluateWithRules(content, metadata)
}

func (e *ImportanceEvaluator) evaluateWithLLM(ctx context.Context, content string) (float64, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "You rate how important a memory is for an agent's future decisions on a scale from 0.0 to 1.0. " +
			"Failures, decisions and lessons learned matter more than routine chatter. " +
			`Return a JSON object {"importance_score": <number>}.`},
		{Role: llm.RoleUser, Content: "Memory: " + content},
	}
	resp, err := e.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0), llm.WithMaxTokens(50), llm.WithJSONResponse())
	if err != nil {
		return 0, err
	}
	return parseImportanceResponse(resp)
}

func parseImportanceResponse(response string) (float64, error) {
	var parsed struct {
		Score *float64 `json:"importance_score"`
	}
	if err := llmjson.Unmarshal(response, &parsed); err == nil && parsed.Score != nil {
		return clamp01(*parsed.Score), nil
	}
	if m := numberPattern.FindString(response); m != "" {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			return clamp01(v), nil
		}
	}
	return 0, fmt.Errorf("no importance score in %q", response)
}

func (e *ImportanceEvaluator) evaluateWithRules(content string, metadata map[string]interface{}) float64 {
	score := e.base
	lower := strings.ToLower(content)

	switch {
	case len(content) > 200:
		score += 0.1
	case len(content) > 80:
		score += 0.05
	}

	score += keywordBonus(lower, outcomeKeywords, 0.1, 0.3)
	score += keywordBonus(lower, lessonKeywords, 0.1, 0.3)
	score += keywordBonus(lower, preferenceKeywords, 0.05, 0.1)

	if metadata != nil {
		switch metadata["priority"] {
		case "high":
			score += 0.2
		case "medium":
			score += 0.1
		}
		switch metadata["outcome"] {
		case "failure", "error", "timeout", "partial":
			score += 0.1
		}
	}
	return math.Min(score, 1.0)
}

func keywordBonus(lower string, keywords []string, each, max float64) float64 {
	bonus := 0.0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			bonus += each
		}
	}
	return math.Min(bonus, max)
}

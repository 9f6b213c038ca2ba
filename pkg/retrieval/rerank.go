package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// snippetRunes caps the text of each candidate sent to the judge.
const snippetRunes = 200

// Reranker scores candidates for relevance to a query.
type Reranker interface {
	// Rerank returns a relevance score in [0,1] keyed by the index of each
	// doc it scored. Docs left out keep their composite score.
	Rerank(ctx context.Context, query string, docs []string) (map[int]float64, error)
}

// LLMReranker asks a completion provider to judge relevance.
type LLMReranker struct {
	llm     llm.Provider
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLLMReranker creates a reranker. A nil limiter disables rate limiting.
func NewLLMReranker(provider llm.Provider, limiter *rate.Limiter, logger *zap.Logger) *LLMReranker {
	return &LLMReranker{
		llm:     provider,
		limiter: limiter,
		logger:  core.LoggerOrNop(logger).With(zap.String("component", "reranker")),
	}
}

type rerankScore struct {
	Index  int     `json:"index"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// Rerank implements Reranker.
func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []string) (map[int]float64, error) {
	if len(docs) == 0 {
		return map[int]float64{}, nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i, Snippet(d, snippetRunes))
	}
	prompt := fmt.Sprintf(rerankPrompt, query, b.String())

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a search result re-ranking expert."},
		{Role: llm.RoleUser, Content: prompt},
	}
	response, err := r.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("failed to rerank: %w", err)
	}

	var parsed []rerankScore
	if err := llmjson.UnmarshalArray(response, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}
	scores := make(map[int]float64, len(parsed))
	for _, s := range parsed {
		if s.Index < 0 || s.Index >= len(docs) {
			continue
		}
		scores[s.Index] = clampUnit(s.Score)
	}
	r.logger.Debug("reranked", zap.Int("docs", len(docs)), zap.Int("scored", len(scores)))
	return scores, nil
}

// Snippet truncates s to n runes, marking the cut with "...".
func Snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

const rerankPrompt = `Re-rank the following search results based on relevance to the query.

Query: %q

Results:
%s

Assign each result a relevance score from 0.0 to 1.0 (higher = more relevant), considering semantic relevance, contextual fit, completeness of information and recency.

Return a JSON array with scores:
[
  {"index": 0, "score": 0.95, "reason": "Directly answers the query"},
  {"index": 1, "score": 0.75, "reason": "Partially relevant"}
]`

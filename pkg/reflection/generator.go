package reflection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// errNoProvider is returned when reflection runs without a completion provider.
var errNoProvider = errors.New("no completion provider configured")

// Generator turns a task context into a reflection with one completion call.
type Generator struct {
	llm     llm.Provider
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGenerator creates a generator. A nil limiter disables rate limiting.
func NewGenerator(provider llm.Provider, limiter *rate.Limiter, logger *zap.Logger) *Generator {
	return &Generator{
		llm:     provider,
		limiter: limiter,
		logger:  core.LoggerOrNop(logger).With(zap.String("component", "reflection_generator")),
	}
}

// NewLimiter returns a limiter for rps completions per second, or nil when
// rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), max(1, burst))
}

type generated struct {
	Reflection string   `json:"reflection"`
	Strategy   string   `json:"strategy"`
	Importance float64  `json:"importance"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

// Generate asks the provider to reflect on fc. Scores are clamped to [0,1]
// and tags are lowercased and deduplicated.
func (g *Generator) Generate(ctx context.Context, fc *FailureContext) (*core.ReflectionResult, error) {
	if g.llm == nil {
		return nil, core.Unavailable("llm", errNoProvider)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: BuildPrompt(fc)},
	}
	response, err := g.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0.3), llm.WithJSONResponse())
	if err != nil {
		return nil, core.Unavailable("llm", fmt.Errorf("failed to generate reflection: %w", err))
	}

	var out generated
	if err := llmjson.Unmarshal(response, &out); err != nil {
		return nil, fmt.Errorf("failed to parse reflection response: %w", err)
	}
	text := strings.TrimSpace(out.Reflection)
	if text == "" {
		return nil, fmt.Errorf("%w: reflection text is empty", core.ErrLLMOperation)
	}

	res := &core.ReflectionResult{
		ReflectionText: text,
		StrategyText:   strings.TrimSpace(out.Strategy),
		Importance:     unitScore(out.Importance),
		Confidence:     unitScore(out.Confidence),
		Tags:           NormalizeTags(out.Tags),
		SourceEventIDs: append([]int64(nil), fc.SourceItemIDs...),
	}
	g.logger.Debug("reflection generated",
		zap.Bool("failure", fc.Failed()),
		zap.Bool("has_strategy", res.HasStrategy()),
		zap.Float64("importance", res.Importance),
	)
	return res, nil
}

func unitScore(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeTags lowercases, trims and deduplicates tags, keeping order.
func NormalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.Join(strings.Fields(t), " "))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

package retrieval

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/embedder"
	"github.com/oceanbase/reflective-memory-go/pkg/graph"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmjson"
	"go.uber.org/zap"
)

// Analysis sources.
const (
	SourceHeuristic = "heuristic"
	SourceLLM       = "llm"
)

const (
	// Suggested weights are accepted when they sum to 1 within this band.
	weightBandLow  = 0.95
	weightBandHigh = 1.05

	keywordHeavyMaxTerms = 2
	longQueryMinTerms    = 13
	longQueryShift       = 0.1

	maxQueryEntities = 10
)

// Analysis is the outcome of query analysis.
type Analysis struct {
	Intent     Intent             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Profile    string             `json:"profile"`
	Weights    core.WeightProfile `json:"weights"`

	// Entities seed the graph strategy.
	Entities []string `json:"entities,omitempty"`

	// Terms are the significant lowercased query terms used by the keyword strategy.
	Terms []string `json:"terms,omitempty"`

	Source string `json:"source"`
}

// Analyzer classifies queries and picks strategy weights.
type Analyzer struct {
	llm      llm.Provider
	profiles Profiles
	logger   *zap.Logger
}

// NewAnalyzer creates an analyzer. provider may be nil, in which case only
// the heuristics run.
func NewAnalyzer(provider llm.Provider, profiles Profiles, logger *zap.Logger) *Analyzer {
	if profiles == nil {
		profiles = NewProfiles(nil)
	}
	return &Analyzer{
		llm:      provider,
		profiles: profiles,
		logger:   core.LoggerOrNop(logger).With(zap.String("component", "analyzer")),
	}
}

// Analyze returns the analysis of query. It never fails: a completion
// failure falls back to the heuristics.
func (a *Analyzer) Analyze(ctx context.Context, query string) Analysis {
	if a.llm != nil {
		res, err := a.analyzeLLM(ctx, query)
		if err == nil {
			return res
		}
		a.logger.Warn("llm query analysis failed, using heuristics", zap.Error(err))
	}
	return a.heuristic(query)
}

var (
	quotedPhrase = regexp.MustCompile(`"[^"]+"|'[^']+'`)

	// snake_case, kebab-case, dotted paths, camelCase and letter/digit mixes.
	identifierLike = regexp.MustCompile(`[A-Za-z0-9][_./:\-][A-Za-z0-9]|[a-z][A-Z]|[A-Za-z]\d|\d[A-Za-z]`)
)

var intentWords = []struct {
	intent Intent
	words  []string
}{
	{IntentAggregative, []string{"summary", "summarize", "summarise", "overview", "statistics", "count", "total", "many", "aggregate"}},
	{IntentRelational, []string{"how", "relate", "related", "relation", "relationship", "connection", "connected", "between", "depends", "linked"}},
	{IntentFactual, []string{"what", "when", "who", "which", "where", "specific"}},
	{IntentConceptual, []string{"concept", "understand", "explain", "why", "meaning"}},
	{IntentTemporal, []string{"recent", "recently", "last", "yesterday", "ago", "today", "latest", "since"}},
}

// ClassifyIntent guesses the intent of query from marker words.
func ClassifyIntent(query string) Intent {
	words := make(map[string]bool)
	for _, w := range embedder.Tokenize(query) {
		words[w] = true
	}
	for _, iw := range intentWords {
		for _, w := range iw.words {
			if words[w] {
				return iw.intent
			}
		}
	}
	return IntentExploratory
}

// QueryTerms returns the distinct significant lowercased terms of query.
func QueryTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, t := range embedder.Tokenize(query) {
		if seen[t] || graph.IsStopword(t) {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}
	return terms
}

// IsKeywordHeavy reports whether query reads as a lookup rather than a
// question: very few terms, quoted phrases or identifier-like tokens.
func IsKeywordHeavy(query string) bool {
	if quotedPhrase.MatchString(query) {
		return true
	}
	for _, f := range strings.Fields(query) {
		if identifierLike.MatchString(strings.Trim(f, `.,;:!?()[]{}"'`)) {
			return true
		}
	}
	n := len(QueryTerms(query))
	return n > 0 && n <= keywordHeavyMaxTerms
}

func (a *Analyzer) heuristic(query string) Analysis {
	intent := ClassifyIntent(query)
	res := Analysis{
		Intent:     intent,
		Confidence: 0.5,
		Entities:   graph.HeuristicEntities(query, maxQueryEntities),
		Terms:      QueryTerms(query),
		Source:     SourceHeuristic,
	}
	res.Profile, res.Weights = a.profileWeights(query, intent)
	return res
}

// profileWeights picks the table profile for intent and applies the
// keyword-heavy and long-query overrides.
func (a *Analyzer) profileWeights(query string, intent Intent) (string, core.WeightProfile) {
	name := ProfileFor(intent)
	if IsKeywordHeavy(query) {
		name = ProfileKeyword
	}
	w := a.profiles.Get(name)
	if len(strings.Fields(query)) >= longQueryMinTerms {
		shift := math.Min(longQueryShift, w.Keyword)
		w.Keyword -= shift
		w.Vector += shift
	}
	return name, w
}

type llmAnalysis struct {
	Intent     string             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Entities   []string           `json:"entities"`
	Weights    map[string]float64 `json:"weights"`
}

func (a *Analyzer) analyzeLLM(ctx context.Context, query string) (Analysis, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: analysisPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Query: %q", query)},
	}
	response, err := a.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0), llm.WithJSONResponse())
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to analyze query: %w", err)
	}

	var parsed llmAnalysis
	if err := llmjson.Unmarshal(response, &parsed); err != nil {
		return Analysis{}, fmt.Errorf("failed to parse analysis response: %w", err)
	}
	intent := Intent(strings.ToLower(strings.TrimSpace(parsed.Intent)))
	if !intent.Valid() {
		return Analysis{}, fmt.Errorf("%w: unknown intent %q", core.ErrLLMOperation, parsed.Intent)
	}

	res := Analysis{
		Intent:     intent,
		Confidence: clampUnit(parsed.Confidence),
		Terms:      QueryTerms(query),
		Source:     SourceLLM,
	}
	for _, e := range parsed.Entities {
		if e = strings.TrimSpace(e); e != "" {
			res.Entities = append(res.Entities, e)
		}
	}
	if len(res.Entities) == 0 {
		res.Entities = graph.HeuristicEntities(query, maxQueryEntities)
	}

	if w, ok := acceptWeights(parsed.Weights); ok {
		res.Profile, res.Weights = SourceLLM, w
	} else {
		res.Profile, res.Weights = a.profileWeights(query, intent)
	}
	return res, nil
}

// acceptWeights normalizes suggested weights to sum to 1. Suggestions with
// negative entries or a sum outside [0.95, 1.05] are rejected.
func acceptWeights(w map[string]float64) (core.WeightProfile, bool) {
	if len(w) == 0 {
		return core.WeightProfile{}, false
	}
	p := core.WeightProfile{Vector: w["vector"], Keyword: w["keyword"], Graph: w["graph"]}
	if p.Vector < 0 || p.Keyword < 0 || p.Graph < 0 {
		return core.WeightProfile{}, false
	}
	sum := p.Sum()
	if math.IsNaN(sum) || sum < weightBandLow || sum > weightBandHigh {
		return core.WeightProfile{}, false
	}
	p.Vector /= sum
	p.Keyword /= sum
	p.Graph /= sum
	return p, true
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const analysisPrompt = `You are a query analysis expert for a memory retrieval system. Classify the search query and suggest how to weight the search strategies.

Intent types:
- factual: looking for specific facts or information
- conceptual: understanding concepts and their relationships
- exploratory: open-ended exploration, browsing
- temporal: time-based queries (recent, historical, timeline)
- relational: finding relationships and connections
- aggregative: summary, statistics, aggregation

Search strategies:
- vector: semantic similarity using embeddings
- keyword: term matching over memory content
- graph: traversal from entities mentioned in the query

Return only JSON in this format:
{"intent": "relational", "confidence": 0.9, "entities": ["service X"], "weights": {"vector": 0.4, "keyword": 0.1, "graph": 0.5}}

The weights must sum to 1.0.`

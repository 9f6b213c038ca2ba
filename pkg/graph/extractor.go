package graph

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/oceanbase/reflective-memory-go/pkg/core"
	"github.com/oceanbase/reflective-memory-go/pkg/llm"
	"github.com/oceanbase/reflective-memory-go/pkg/llm/llmjson"
	"go.uber.org/zap"
)

// Entity link defaults. LLM-extracted entities are trusted more.
const (
	heuristicConfidence = 0.6
	llmConfidence       = 0.8
	mentionWeight       = 0.5
)

var quotedPattern = regexp.MustCompile(`"([^"]{2,80})"|'([^']{2,80})'`)

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "into": true, "onto": true, "when": true, "what": true, "where": true,
	"which": true, "while": true, "have": true, "has": true, "had": true, "was": true,
	"were": true, "are": true, "is": true, "be": true, "been": true, "but": true,
	"not": true, "then": true, "than": true, "them": true, "they": true, "their": true,
	"there": true, "about": true, "after": true, "before": true, "again": true,
	"only": true, "also": true, "just": true, "some": true, "very": true, "will": true,
	"would": true, "could": true, "should": true, "does": true, "did": true, "done": true,
	"how": true, "why": true, "who": true, "all": true, "any": true, "our": true,
	"you": true, "your": true, "its": true, "on": true, "in": true, "at": true,
	"of": true, "to": true, "by": true, "an": true, "or": true, "as": true, "it": true,
}

// IsStopword reports whether term carries no retrieval signal.
func IsStopword(term string) bool {
	return stopwords[strings.ToLower(term)]
}

// HeuristicEntities extracts entity labels from text: quoted phrases,
// capitalized words and significant terms (four or more letters, not a
// stopword), deduplicated case-insensitively and capped at max.
func HeuristicEntities(text string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(label string) {
		label = strings.Join(strings.Fields(label), " ")
		key := strings.ToLower(label)
		if label == "" || seen[key] || IsStopword(key) {
			return
		}
		seen[key] = true
		out = append(out, label)
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
	for _, w := range words {
		w = strings.Trim(w, "-_")
		if w == "" {
			continue
		}
		r := []rune(w)
		if unicode.IsUpper(r[0]) && len(r) >= 2 {
			add(w)
		}
	}
	for _, w := range words {
		w = strings.Trim(w, "-_")
		if len([]rune(w)) >= 4 {
			add(strings.ToLower(w))
		}
	}

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// Extractor links memory items to the entities they mention.
//
// With a completion provider, entities are extracted by the model and the
// heuristic is the fallback on any failure. Without one only the heuristic
// runs.
type Extractor struct {
	graph  *Engine
	llm    llm.Provider
	max    int
	logger *zap.Logger

	wg sync.WaitGroup
}

// NewExtractor creates an extractor. provider may be nil.
func NewExtractor(g *Engine, provider llm.Provider, maxEntities int, logger *zap.Logger) *Extractor {
	if maxEntities <= 0 {
		maxEntities = core.DefaultConfig().Graph.MaxEntitiesPerItem
	}
	return &Extractor{
		graph:  g,
		llm:    provider,
		max:    maxEntities,
		logger: core.LoggerOrNop(logger).With(zap.String("component", "extractor")),
	}
}

// Extract returns the entities of text and the confidence to link them with.
func (x *Extractor) Extract(ctx context.Context, text string) ([]string, float64) {
	if x.llm != nil {
		entities, err := x.extractLLM(ctx, text)
		if err == nil {
			return entities, llmConfidence
		}
		x.logger.Warn("llm entity extraction failed, using heuristics", zap.Error(err))
	}
	return HeuristicEntities(text, x.max), heuristicConfidence
}

type entityResponse struct {
	Entities []string `json:"entities"`
}

func (x *Extractor) extractLLM(ctx context.Context, text string) ([]string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: entityPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Input:\n%s", text)},
	}
	response, err := x.llm.GenerateWithMessages(ctx, messages, llm.WithTemperature(0), llm.WithJSONResponse())
	if err != nil {
		return nil, fmt.Errorf("failed to extract entities: %w", err)
	}

	var parsed entityResponse
	if err := llmjson.Unmarshal(response, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse entities response: %w", err)
	}

	var out []string
	seen := make(map[string]bool)
	for _, e := range parsed.Entities {
		e = strings.Join(strings.Fields(e), " ")
		if e == "" || seen[strings.ToLower(e)] {
			continue
		}
		seen[strings.ToLower(e)] = true
		out = append(out, e)
		if len(out) == x.max {
			break
		}
	}
	return out, nil
}

// Link creates the memory node of item, one entity node per extracted
// entity and a "mentions" edge from the memory to each entity.
func (x *Extractor) Link(ctx context.Context, item *core.MemoryItem) error {
	scope := item.Scope()
	if err := x.graph.UpsertNode(ctx, scope, MemoryNode(item)); err != nil {
		return err
	}

	entities, confidence := x.Extract(ctx, item.Content)
	sort.Strings(entities)
	for _, label := range entities {
		entID := core.EntityNodeID(label)
		if err := x.graph.UpsertNode(ctx, scope, &core.GraphNode{
			NodeID:     entID,
			Label:      label,
			Properties: map[string]interface{}{"kind": "entity"},
		}); err != nil {
			return err
		}
		if _, err := x.graph.UpsertEdge(ctx, scope, EdgeInput{
			SourceID:   core.MemoryNodeID(item.ID),
			TargetID:   entID,
			Relation:   core.RelationMentions,
			Weight:     mentionWeight,
			Confidence: confidence,
		}); err != nil {
			return err
		}
	}
	x.logger.Debug("linked memory to entities",
		zap.Int64("memory_id", item.ID),
		zap.Int("entities", len(entities)),
	)
	return nil
}

// LinkAsync runs Link in the background. Failures are logged; the item is
// stored either way. Wait blocks until every pending link has finished.
func (x *Extractor) LinkAsync(ctx context.Context, item *core.MemoryItem) {
	item = item.Clone()
	ctx = context.WithoutCancel(ctx)
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		if err := x.Link(ctx, item); err != nil {
			x.logger.Warn("async entity linking failed", zap.Int64("memory_id", item.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until all LinkAsync calls have completed.
func (x *Extractor) Wait() {
	x.wg.Wait()
}

// MemoryNode returns the graph node of a memory item.
func MemoryNode(item *core.MemoryItem) *core.GraphNode {
	return &core.GraphNode{
		NodeID: core.MemoryNodeID(item.ID),
		Label:  fmt.Sprintf("memory %d", item.ID),
		Properties: map[string]interface{}{
			"kind":      "memory",
			"memory_id": item.ID,
			"layer":     string(item.Layer),
		},
		CreatedAt: item.CreatedAt,
	}
}

const entityPrompt = `You are a knowledge graph builder. Extract the named entities and key concepts from the input: systems, services, people, tools, error types, places and recurring topics.

Rules:
- Use the shortest canonical name of each entity
- Do not include generic words such as "thing" or "issue"
- Preserve input language
- Return JSON: {"entities": ["entity1", "entity2"]}
- If there are no entities, return {"entities": []}

Examples:
Input: Deploy failed: timeout on service X
Output: {"entities": ["deploy", "timeout", "service X"]}

Input: Alice moved the billing database to Postgres 16.
Output: {"entities": ["Alice", "billing database", "Postgres 16"]}`

package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hashing is a deterministic local embedder: a bag of lowercased word tokens
// hashed into a fixed number of buckets and L2-normalized. Texts sharing
// words have positive cosine similarity.
type Hashing struct {
	dims int
}

// NewHashing creates a hashing embedder with dims buckets (256 when <= 0).
func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = 256
	}
	return &Hashing{dims: dims}
}

// Embed implements Provider.
func (h *Hashing) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return HashVector(text, h.dims), nil
}

// EmbedBatch implements Provider.
func (h *Hashing) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements Provider.
func (h *Hashing) Dimensions() int { return h.dims }

// Close implements Provider.
func (h *Hashing) Close() error { return nil }

// HashVector returns the normalized hashed bag-of-words vector of text.
// Empty text yields the zero vector.
func HashVector(text string, dims int) []float64 {
	vec := make([]float64, dims)
	for _, tok := range Tokenize(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		vec[int(f.Sum32())%dims]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Tokenize splits text into lowercased letter/digit runs of length >= 2.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

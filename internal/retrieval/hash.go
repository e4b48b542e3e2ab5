package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, dependency-free embedding function based on
// feature hashing of word unigrams and character trigrams. It needs no model
// server, so it backs tests and offline deployments.
type HashEmbedder struct {
	dimension int
}

// DefaultHashDimension matches the dimension of the reference embedding model.
const DefaultHashDimension = 384

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashEmbedder{dimension: dimension}
}

func (h *HashEmbedder) Version() Version {
	return Version{Model: fmt.Sprintf("hash-v1-%d", h.dimension), Dimension: h.dimension}
}

// Embed returns an L2-normalised vector. Identical text always yields an
// identical vector.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dimension)
	text = strings.ToLower(truncate(text, maxEmbedChars))

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h.add(vec, "w:"+w, 1)
		padded := []rune(" " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(vec, "c:"+string(padded[i:i+3]), 0.5)
		}
	}

	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return vec, nil
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

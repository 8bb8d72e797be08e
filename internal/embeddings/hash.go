package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// DefaultHashDimension is the vector size the hash provider uses when
// none is configured. Matches bge-small so the two providers are
// interchangeable against the same vector store.
const DefaultHashDimension = 384

// HashProvider produces deterministic pseudo-embeddings by hashing
// tokens into a fixed-size bag-of-words vector, L2-normalized so cosine
// similarity behaves sensibly.
//
// It captures token overlap, not semantics. It exists for tests and for
// offline development where no ONNX runtime is available; production
// deployments use FastEmbed.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash-based embedding provider.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

// EmbedDocuments generates embeddings for multiple texts.
func (p *HashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = p.embed(t)
	}
	return out, nil
}

// EmbedQuery generates an embedding for a single query.
func (p *HashProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return p.embed(text), nil
}

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,:;!?()[]{}\"'")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dimension)]++
	}
	// L2 normalize.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Dimension returns the configured vector size.
func (p *HashProvider) Dimension() int { return p.dimension }

// Close is a no-op for the hash provider.
func (p *HashProvider) Close() error { return nil }

var _ Provider = (*HashProvider)(nil)

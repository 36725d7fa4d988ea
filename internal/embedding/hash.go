package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the width of hash embeddings.
const DefaultDimension = 128

// HashProvider is a deterministic bag-of-words embedder. Each token is
// hashed into a bucket and the resulting vector is L2 normalised, so
// cosine similarity tracks word overlap.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a hash embedder of the given width.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &HashProvider{dim: dim}
}

// Embed never fails and ignores ctx.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.Vector(t)
	}
	return out, nil
}

// Vector embeds a single text.
func (p *HashProvider) Vector(text string) []float32 {
	vec := make([]float32, p.dim)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

func (p *HashProvider) Dimension() int { return p.dim }

// Tokenize splits text into lowercase word tokens, dropping single runes.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len([]rune(w)) > 1 {
			out = append(out, w)
		}
	}
	return out
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero magnitude score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

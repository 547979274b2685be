// Package semcache caches completions keyed by prompt embeddings. A lookup
// serves the nearest cached response when its cosine similarity clears the
// tenant's threshold.
package semcache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Embedder turns text into a normalized vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// localDim is the feature-hashing dimension of the fallback embedder.
const localDim = 256

// LocalEmbedder is a deterministic feature-hashing embedder. It has no
// semantic understanding but gives stable vectors where identical and
// near-identical prompts land close together, which is enough for
// exact-and-fuzzy duplicate suppression without an upstream call.
type LocalEmbedder struct{}

// Embed hashes word unigrams and bigrams into a fixed-dimension vector and
// L2-normalizes it.
func (LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDim)
	words := strings.Fields(strings.ToLower(text))
	add := func(token string) {
		h := fnv.New32a()
		h.Write([]byte(token))
		sum := h.Sum32()
		idx := sum % localDim
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[idx] += sign
	}
	for i, w := range words {
		add(w)
		if i+1 < len(words) {
			add(w + " " + words[i+1])
		}
	}
	normalize(vec)
	return vec, nil
}

// ConnectorEmbedder gets embeddings from an upstream connector.
type ConnectorEmbedder struct {
	Provider gateway.Provider
	Model    string
}

// Embed requests one embedding and normalizes it.
func (e *ConnectorEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	input, _ := json.Marshal(text)
	resp, err := e.Provider.Embeddings(ctx, &gateway.EmbeddingRequest{
		Model: e.Model,
		Input: input,
	})
	if err != nil {
		return nil, fmt.Errorf("semcache: embed: %w", err)
	}
	var data []struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("semcache: parse embedding: %w", err)
	}
	if len(data) == 0 || len(data[0].Embedding) == 0 {
		return nil, fmt.Errorf("semcache: empty embedding response")
	}
	vec := data[0].Embedding
	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// cosine returns the similarity of two normalized vectors.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
)

// Embedder generates a dense vector from query text. The vector
// dimensionality must match the Qdrant collection it is queried against.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// OpenAIEmbedder generates embeddings via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOpenAIEmbedder creates an OpenAI-backed embedder. Dimensionality is
// fixed by the model; text-embedding-3-small produces 1536.
func NewOpenAIEmbedder(apiKey, model string, dims int) *OpenAIEmbedder {
	if dims <= 0 {
		dims = 1536
	}
	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		dimensions: dims,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIEmbedder) Dimensions() int {
	return p.dimensions
}

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed generates a single embedding.
func (p *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(openAIEmbedRequest{Input: []string{text}, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("content: marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.openai.com/v1/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("content: create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content: send embed request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("content: read embed response: %w", err)
	}

	var result openAIEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("content: unmarshal embed response: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("content: openai error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Data) != 1 {
		return nil, fmt.Errorf("content: expected 1 embedding, got %d", len(result.Data))
	}
	return result.Data[0].Embedding, nil
}

// HashEmbedder produces deterministic pseudo-embeddings by hashing query
// terms into a fixed-size vector. Useful for local development and tests
// where no embedding API is available. Vectors are L2-normalized so that
// cosine similarity behaves sensibly; the resulting relevance is term
// overlap, not semantics.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the embedding vector size.
func (h *HashEmbedder) Dimensions() int {
	return h.dims
}

// Embed hashes each lowercased term into a bucket of the vector.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for _, term := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(term))
		bucket := binary.BigEndian.Uint32(sum[:4]) % uint32(h.dims) //nolint:gosec
		// Second hash word decides the sign so buckets can cancel,
		// which spreads distinct term sets further apart.
		if binary.BigEndian.Uint32(sum[4:8])&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

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
	return vec, nil
}

// Package embedding implements the Embedding Client (C6): a batched
// remote text-to-vector client used by the Pattern Store for semantic
// search. Response parsing uses gjson/sjson for tolerant handling of
// provider payloads that add fields between releases, the same approach
// the pack's go-claw-family repos use for loosely-specified JSON APIs,
// rather than strict struct unmarshaling that breaks on every added field.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jordanhubbard/loomd/internal/apperrors"
)

// MaxBatchSize caps how many texts one request bundles, matching the
// common provider-side limit the predecessor's provider gateway also
// respected for completion requests.
const MaxBatchSize = 96

// Client calls a remote embeddings endpoint (OpenAI-compatible
// /v1/embeddings shape) over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Embed returns the embedding vector for a single text, a convenience
// wrapper around EmbedBatch.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperrors.New(apperrors.Transport, "embedding provider returned no vectors")
	}
	return vectors[0], nil
}

// EmbedBatch sends up to MaxBatchSize texts per request, chunking larger
// batches transparently so callers never need to know the limit.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var all [][]float32
	for start := 0; start < len(texts); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		chunk, err := c.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
	return all, nil
}

func (c *Client) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "model", c.model)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "build embedding request body", err)
	}
	body, err = sjson.SetBytes(body, "input", texts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "set embedding input", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "build embedding http request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Transport, "embedding request failed", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, apperrors.Wrap(apperrors.Transport, "read embedding response", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(buf.Bytes(), "error.message").String()
		if msg == "" {
			msg = fmt.Sprintf("embedding provider returned status %d", resp.StatusCode)
		}
		return nil, apperrors.New(apperrors.Transport, msg).WithField("status", fmt.Sprintf("%d", resp.StatusCode))
	}

	return parseEmbeddingResponse(buf.Bytes())
}

// parseEmbeddingResponse tolerantly extracts data[*].embedding arrays
// with gjson, ignoring any extra fields the provider includes (usage
// stats, model echo, request IDs).
func parseEmbeddingResponse(data []byte) ([][]float32, error) {
	result := gjson.GetBytes(data, "data")
	if !result.Exists() || !result.IsArray() {
		return nil, apperrors.New(apperrors.Transport, "embedding response missing data array")
	}

	var vectors [][]float32
	var parseErr error
	result.ForEach(func(_, item gjson.Result) bool {
		emb := item.Get("embedding")
		if !emb.Exists() || !emb.IsArray() {
			parseErr = apperrors.New(apperrors.Transport, "embedding response item missing embedding array")
			return false
		}
		var raw []float64
		if err := json.Unmarshal([]byte(emb.Raw), &raw); err != nil {
			parseErr = apperrors.Wrap(apperrors.Transport, "decode embedding array", err)
			return false
		}
		vec := make([]float32, len(raw))
		for i, v := range raw {
			vec[i] = float32(v)
		}
		vectors = append(vectors, vec)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return vectors, nil
}

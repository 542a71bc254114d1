// Package embeddings provides a client for OpenAI-compatible text
// embedding APIs, used to vectorize complaint narratives for similarity
// search.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "text-embedding-3-small"
	defaultDimensions = 1536
)

// Client computes embedding vectors for text inputs.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// APIError carries the upstream HTTP status so callers can classify the
// failure as transient or permanent.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return "embeddings: unexpected status " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// IsAPIError extracts an APIError from err's chain.
func IsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	ok := eris.As(err, &ae)
	return ae, ok
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the default embedding model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithDimensions overrides the requested vector width.
func WithDimensions(d int) Option {
	return func(c *httpClient) {
		c.dimensions = d
	}
}

// WithRateLimit sets the requests-per-second rate limit for embedding calls.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), int(rps))
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	limiter    *rate.Limiter
	http       *http.Client
}

// NewClient creates an embeddings API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		dimensions: defaultDimensions,
		limiter:    rate.NewLimiter(10, 10),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *httpClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, eris.New("embeddings: empty input")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "embeddings: rate limit wait")
	}

	body, err := json.Marshal(embeddingRequest{
		Model:      c.model,
		Input:      texts,
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "embeddings: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Wrap(&APIError{StatusCode: resp.StatusCode, Body: string(respBody)}, "embeddings: request failed")
	}

	var result embeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "embeddings: unmarshal response")
	}
	if len(result.Data) != len(texts) {
		return nil, eris.Errorf("embeddings: got %d vectors for %d inputs", len(result.Data), len(texts))
	}

	// The API may return items out of order; index is authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, eris.Errorf("embeddings: index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, eris.Errorf("embeddings: missing vector for input %d", i)
		}
	}
	return vecs, nil
}

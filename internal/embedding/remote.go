package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

// MaxRemoteBatch is the most texts sent in one remote request.
const MaxRemoteBatch = 100

// RemoteConfig configures an OpenAI-compatible embeddings endpoint.
type RemoteConfig struct {
	URL        string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Retry      RetryConfig
}

// RemoteEmbedder calls an OpenAI-compatible /v1/embeddings endpoint with bearer auth.
type RemoteEmbedder struct {
	cfg        RemoteConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewRemoteEmbedder creates a remote embedder. The URL and dimension are required.
func NewRemoteEmbedder(cfg RemoteConfig, logger *zap.Logger) (*RemoteEmbedder, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("remote embedder: url is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("remote embedder: dimensions must be positive")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteEmbedder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// Embed returns the embedding for one text.
func (r *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in requests of at most MaxRemoteBatch, each retried with backoff.
func (r *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += MaxRemoteBatch {
		end := min(start+MaxRemoteBatch, len(texts))
		batch := texts[start:end]
		vecs, err := retryWithBackoff(ctx, r.cfg.Retry, func() ([][]float32, error) {
			return r.callAPI(ctx, batch)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (r *RemoteEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"input": texts,
		"model": r.cfg.Model,
	})
	if err != nil {
		return nil, &permanentError{fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
		r.logger.Debug("remote embedding request failed", zap.Int("status", resp.StatusCode))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &permanentError{apiErr}
		}
		return nil, apiErr
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, &permanentError{fmt.Errorf("got %d embeddings for %d inputs", len(apiResp.Data), len(texts))}
	}
	sort.Slice(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })

	vecs := make([][]float32, len(apiResp.Data))
	for i, d := range apiResp.Data {
		if len(d.Embedding) != r.cfg.Dimensions {
			return nil, &permanentError{fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(d.Embedding), r.cfg.Dimensions)}
		}
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// Dimensions returns the configured embedding dimension.
func (r *RemoteEmbedder) Dimensions() int {
	return r.cfg.Dimensions
}

// Name returns ProviderRemote.
func (r *RemoteEmbedder) Name() string {
	return ProviderRemote
}

// Close releases idle connections.
func (r *RemoteEmbedder) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

// Package knowledge retrieves help-center passages for the model's
// knowledge-lookup tool: embed the query, then nearest-neighbor search in
// the vector store.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatdock/agentd/internal/circuitbreaker"
	"github.com/chatdock/agentd/internal/pipeline"
	"github.com/chatdock/agentd/internal/tracing"
)

// Config for the knowledge searcher
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// QdrantURL is the vector store base URL, e.g. http://localhost:6333
	QdrantURL  string `mapstructure:"qdrant_url"`
	Collection string `mapstructure:"collection"`

	// EmbedURL is an OpenAI-compatible embeddings endpoint base URL
	EmbedURL   string `mapstructure:"embed_url"`
	EmbedKey   string `mapstructure:"embed_key"`
	EmbedModel string `mapstructure:"embed_model"`

	Timeout        time.Duration `mapstructure:"timeout"`
	ScoreThreshold float64       `mapstructure:"score_threshold"`
}

// Searcher implements the pipeline's knowledge-lookup interface against a
// Qdrant collection of embedded help articles.
type Searcher struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	embed  *http.Client
	logger *zap.Logger

	// Query embeddings repeat heavily across a conversation; a small cache
	// spares the embeddings endpoint.
	cacheMu sync.Mutex
	cache   map[string][]float32
}

const embedCacheSize = 512

// NewSearcher creates a knowledge searcher. Returns nil when disabled so the
// pipeline simply omits the tool.
func NewSearcher(cfg Config, logger *zap.Logger) *Searcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Collection == "" {
		cfg.Collection = "help_articles"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: cfg.Timeout}
	return &Searcher{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(client, "qdrant", "knowledge", logger),
		embed:  client,
		logger: logger,
		cache:  make(map[string][]float32),
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type queryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type queryPoint struct {
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type queryResponse struct {
	Result struct {
		Points []queryPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search embeds the query and returns the closest passages.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]pipeline.KnowledgeSnippet, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var thr *float64
	if s.cfg.ScoreThreshold > 0 {
		thr = &s.cfg.ScoreThreshold
	}
	body, _ := json.Marshal(queryRequest{Query: vec, Limit: limit, ScoreThreshold: thr, WithPayload: true})

	url := fmt.Sprintf("%s/collections/%s/points/query", s.cfg.QdrantURL, s.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vector search: status %d", resp.StatusCode)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vector search: decode: %w", err)
	}

	snippets := make([]pipeline.KnowledgeSnippet, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		title, _ := p.Payload["title"].(string)
		content, _ := p.Payload["content"].(string)
		if content == "" {
			continue
		}
		snippets = append(snippets, pipeline.KnowledgeSnippet{
			Title:   title,
			Content: content,
			Score:   p.Score,
		})
	}
	return snippets, nil
}

func (s *Searcher) embedQuery(ctx context.Context, query string) ([]float32, error) {
	s.cacheMu.Lock()
	if vec, ok := s.cache[query]; ok {
		s.cacheMu.Unlock()
		return vec, nil
	}
	s.cacheMu.Unlock()

	body, _ := json.Marshal(embedRequest{Model: s.cfg.EmbedModel, Input: []string{query}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.EmbedURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.EmbedKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.EmbedKey)
	}

	resp, err := s.embed.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings: status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	vec := out.Data[0].Embedding

	s.cacheMu.Lock()
	if len(s.cache) >= embedCacheSize {
		// Full reset over LRU bookkeeping: queries are short-lived.
		s.cache = make(map[string][]float32)
	}
	s.cache[query] = vec
	s.cacheMu.Unlock()

	return vec, nil
}

package knowledge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSearcher(t *testing.T, embedURL, qdrantURL string) *Searcher {
	t.Helper()
	s := NewSearcher(Config{
		Enabled:    true,
		QdrantURL:  qdrantURL,
		Collection: "help_articles",
		EmbedURL:   embedURL,
		EmbedModel: "test-embed",
		Timeout:    2 * time.Second,
	}, zaptest.NewLogger(t))
	require.NotNil(t, s)
	return s
}

func embedServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
}

func TestSearchReturnsSnippets(t *testing.T) {
	embed := embedServer(t, nil)
	defer embed.Close()

	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/help_articles/points/query", r.URL.Path)

		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Query, 3)
		assert.True(t, req.WithPayload)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"points": []map[string]interface{}{
					{"score": 0.9, "payload": map[string]interface{}{"title": "Refunds", "content": "Refunds take 5 days."}},
					{"score": 0.5, "payload": map[string]interface{}{"title": "Empty", "content": ""}},
				},
			},
			"status": "ok",
		})
	}))
	defer qdrant.Close()

	s := newTestSearcher(t, embed.URL, qdrant.URL)
	snippets, err := s.Search(t.Context(), "refund policy", 5)
	require.NoError(t, err)

	// Payloads without content are dropped.
	require.Len(t, snippets, 1)
	assert.Equal(t, "Refunds", snippets[0].Title)
	assert.InDelta(t, 0.9, snippets[0].Score, 0.001)
}

func TestSearchCachesEmbeddings(t *testing.T) {
	var embedCalls atomic.Int64
	embed := embedServer(t, &embedCalls)
	defer embed.Close()

	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"points": []map[string]interface{}{}},
		})
	}))
	defer qdrant.Close()

	s := newTestSearcher(t, embed.URL, qdrant.URL)
	_, err := s.Search(t.Context(), "same query", 3)
	require.NoError(t, err)
	_, err = s.Search(t.Context(), "same query", 3)
	require.NoError(t, err)

	assert.Equal(t, int64(1), embedCalls.Load(), "repeated query should hit the embed cache")
}

func TestSearchSurfacesVectorStoreError(t *testing.T) {
	embed := embedServer(t, nil)
	defer embed.Close()

	qdrant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer qdrant.Close()

	s := newTestSearcher(t, embed.URL, qdrant.URL)
	_, err := s.Search(t.Context(), "anything", 3)
	assert.Error(t, err)
}

func TestNewSearcherDisabled(t *testing.T) {
	assert.Nil(t, NewSearcher(Config{Enabled: false}, zaptest.NewLogger(t)))
}

package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian-ai/meridian/go/orchestrator/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return NewClient(config.VectorDBConfig{
		Host:           u.Hostname(),
		Port:           port,
		Collection:     "documents",
		TopK:           8,
		ScoreThreshold: 0.7,
		Timeout:        5 * time.Second,
	}, zap.NewNop())
}

func TestSearchSendsFilterAndThreshold(t *testing.T) {
	var captured map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/documents/points/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{
			"result": [
				{"id": "d1", "score": 0.92, "payload": {"text": "Acme revenue was $200B", "url": "https://docs/acme", "source_type": "annual_report", "company_name": "Acme"}}
			],
			"status": "ok"
		}`))
	})

	docs, err := client.Search(context.Background(), []float32{0.1, 0.2}, Filter{UserID: "u1", CompanyName: "Acme"}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
	assert.Equal(t, 0.92, docs[0].Score)
	assert.Equal(t, "annual_report", docs[0].SourceType)

	assert.Equal(t, 0.7, captured["score_threshold"])
	assert.Equal(t, float64(8), captured["limit"])
	must := captured["filter"].(map[string]interface{})["must"].([]interface{})
	require.Len(t, must, 2)
}

func TestSearchOmitsFilterWhenUnscoped(t *testing.T) {
	var captured map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"result": [], "status": "ok"}`))
	})

	docs, err := client.Search(context.Background(), []float32{0.1}, Filter{}, 3)
	require.NoError(t, err)
	assert.Empty(t, docs)
	_, hasFilter := captured["filter"]
	assert.False(t, hasFilter)
	assert.Equal(t, float64(3), captured["limit"])
}

func TestSearchRejectsEmptyVector(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := client.Search(context.Background(), nil, Filter{}, 0)
	assert.Error(t, err)
}

func TestSearchServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection missing", http.StatusNotFound)
	})
	_, err := client.Search(context.Background(), []float32{0.1}, Filter{}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

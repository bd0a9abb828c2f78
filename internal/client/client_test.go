package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editalflow/api/internal/config"
)

func newTestLLM(t *testing.T, handler http.HandlerFunc) *LLMClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewLLMClient(&config.LLMConfig{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		Model:       "test-model",
		Timeout:     5 * time.Second,
		Temperature: 0.1,
		MaxTokens:   512,
	})
}

func TestLLMClient_Analyze(t *testing.T) {
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "prompt", req.Messages[1].Content)

		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"objeto\":\"x\"}"}}]}`)
	})

	out, err := c.Analyze(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"objeto":"x"}`, out)
	assert.True(t, c.IsConfigured())
}

func TestLLMClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":"nope"}`)
			})
			_, err := c.Analyze(context.Background(), "prompt")
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestLLMClient_EmptyChoices(t *testing.T) {
	c := newTestLLM(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})
	_, err := c.Analyze(context.Background(), "prompt")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrTransient)))
	assert.False(t, IsTransient(errors.New("bad pdf")))
}

func TestTextTableExtractor(t *testing.T) {
	page := "EDITAL\n" +
		"Item  Descrição            Quantidade  Valor Total\n" +
		"1     Caneta azul          500         R$ 1.250,00\n" +
		"2     Papel A4             200         R$ 4.000,00\n" +
		"\n" +
		"Texto corrido sem colunas.\n"
	e := NewTextTableExtractor()
	ctx := context.Background()

	regions, err := e.Detect(ctx, []string{page})
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, 1, regions[0].Page)

	table, err := e.Extract(ctx, []string{page}, regions[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"Item", "Descrição", "Quantidade", "Valor Total"}, table.Headers)
	require.Len(t, table.Data, 2)
	assert.Equal(t, []string{"1", "Caneta azul", "500", "R$ 1.250,00"}, table.Data[0])
}

func TestTextTableExtractor_PipeSeparated(t *testing.T) {
	page := "| Documento | Prazo |\n| Certidão | 5 dias |\n"
	e := NewTextTableExtractor()
	regions, err := e.Detect(context.Background(), []string{page})
	require.NoError(t, err)
	require.Len(t, regions, 1)

	table, err := e.Extract(context.Background(), []string{page}, regions[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"Documento", "Prazo"}, table.Headers)
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	loc, err := s.Put(ctx, "results/job-1/resultado.json", []byte(`{}`), "application/json")
	require.NoError(t, err)
	assert.Contains(t, loc, "file://")

	data, err := s.Get(ctx, "results/job-1/resultado.json")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	_, err = s.Get(ctx, "results/missing.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	_, err = s.Put(ctx, "../escape.txt", []byte("x"), "text/plain")
	assert.Error(t, err)

	require.NoError(t, s.Delete(ctx, "results/job-1/resultado.json"))
	require.NoError(t, s.Delete(ctx, "results/job-1/resultado.json"))
}

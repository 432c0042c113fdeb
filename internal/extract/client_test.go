package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgallion1/deckgen/internal/domain"
)

func completionServer(t *testing.T, status int, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			w.WriteHeader(http.StatusOK)
			return
		}
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if seen != nil {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
}

func testClient(url string, stats *LLMStats) *Client {
	seed := 42
	return NewClient(ClientConfig{
		BaseURL:       url + "/v1",
		APIKey:        "test-key",
		Model:         "local-model",
		Temperature:   0.2,
		ContextWindow: 8192,
		Timeout:       5 * time.Second,
		Seed:          &seed,
	}, stats)
}

func TestClientGenerate(t *testing.T) {
	var seen chatRequest
	srv := completionServer(t, http.StatusOK, `[{"question":"Q?","answer":"A."}]`, &seen)
	defer srv.Close()

	stats := NewLLMStats(time.Hour)
	c := testClient(srv.URL, stats)
	defer c.Close()

	req := domain.GenerationRequest{
		Purpose:           domain.PurposeGenerate,
		Chunk:             domain.Chunk{ID: "doc-c0003", Text: "The heart has four chambers."},
		Density:           domain.DensityHigh,
		Language:          "German",
		AllowedCategories: []string{"Cardiology"},
		AttemptNumber:     2,
	}
	resp, err := c.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "doc-c0003", resp.ChunkID)
	assert.Equal(t, 2, resp.AttemptNumber)
	assert.Equal(t, `[{"question":"Q?","answer":"A."}]`, resp.Text)

	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "local-model", seen.Model)
	assert.Contains(t, seen.Messages[0].Content, "German")
	assert.Contains(t, seen.Messages[0].Content, `["Cardiology"]`)
	assert.Contains(t, seen.Messages[1].Content, "The heart has four chambers.")
	require.NotNil(t, seen.Seed)
	assert.Equal(t, 42, *seen.Seed)
	assert.Equal(t, 4000, seen.MaxTokens)

	assert.Equal(t, 1, stats.Snapshot().Count)
}

func TestClientRefinePrompt(t *testing.T) {
	var seen chatRequest
	srv := completionServer(t, http.StatusOK, `{"question":"Q?","answer":"A."}`, &seen)
	defer srv.Close()

	c := testClient(srv.URL, nil)
	cand := domain.Candidate{Question: "What is it?", Answer: "A pump.", Quote: "The heart is a pump.", Category: "Cardiology"}
	_, err := c.Generate(context.Background(), domain.GenerationRequest{
		Purpose:   domain.PurposeRefine,
		Chunk:     domain.Chunk{ID: "doc-c0000"},
		Candidate: &cand,
	})
	require.NoError(t, err)
	assert.Contains(t, seen.Messages[0].Content, "flashcard editor")
	assert.Contains(t, seen.Messages[1].Content, "The heart is a pump.")
}

func TestClientErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := completionServer(t, tc.status, "", nil)
			defer srv.Close()

			stats := NewLLMStats(time.Hour)
			_, err := testClient(srv.URL, stats).Complete(context.Background(), "sys", "user")
			require.Error(t, err)

			var te *TransientError
			var pe *PermanentError
			if tc.transient {
				require.True(t, errors.As(err, &te), "expected TransientError, got %T", err)
				assert.Equal(t, tc.status, te.StatusCode)
			} else {
				require.True(t, errors.As(err, &pe), "expected PermanentError, got %T", err)
				assert.Equal(t, tc.status, pe.StatusCode)
			}
			assert.Equal(t, 1, stats.Snapshot().Errors)
		})
	}
}

func TestClientTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := testClient(url, nil).Complete(context.Background(), "sys", "user")
	var te *TransientError
	require.True(t, errors.As(err, &te), "expected TransientError, got %v", err)
	assert.Zero(t, te.StatusCode)
}

func TestClientCancelledContext(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "[]", nil)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := testClient(srv.URL, nil).Complete(ctx, "sys", "user")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
}

func TestClientRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[]"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, RequestsPerSecond: 20}, nil)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), "s", "u")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestClientRateLimitWaitPastDeadlineIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[]"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, RequestsPerSecond: 0.5}, nil)
	defer c.Close()
	_, err := c.Complete(context.Background(), "s", "u")
	require.NoError(t, err)

	// The next token is two seconds away, past this deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Complete(ctx, "s", "u")
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Zero(t, transient.StatusCode)

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = c.Complete(ctx, "s", "u")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.As(err, &transient))
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("ğ", 300)
	got := truncate(s, 200)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("ğ", 200)+"...", got)
	assert.Equal(t, "kısa", truncate("kısa", 200))

	err := &PermanentError{StatusCode: 400, Message: strings.Repeat("é", 250)}
	assert.True(t, utf8.ValidString(err.Error()))
}

func TestClientPing(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "", nil)
	defer srv.Close()
	require.NoError(t, testClient(srv.URL, nil).Ping(context.Background()))

	// A server without /models still counts as reachable over TCP.
	bare := httptest.NewServer(http.NotFoundHandler())
	defer bare.Close()
	require.NoError(t, testClient(bare.URL, nil).Ping(context.Background()))

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	require.Error(t, testClient(url, nil).Ping(context.Background()))
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:1234/v1", normalizeBaseURL(""))
	assert.Equal(t, "http://h:1/v1", normalizeBaseURL("http://h:1/v1/chat/completions"))
	assert.Equal(t, "http://h:1/v1", normalizeBaseURL("http://h:1/v1/"))
}

func TestMaxTokensFor(t *testing.T) {
	assert.Equal(t, 1234, MaxTokensFor("s", "u", 1234, 4096))
	assert.Equal(t, 4000, MaxTokensFor("short", "prompt", 0, 8192))

	// 2500 prompt chars estimate to 1000 tokens: 4096 - 1000 - 100.
	prompt := strings.Repeat("x", 2500)
	assert.Equal(t, 2996, MaxTokensFor(prompt, "", 0, 4096))

	huge := strings.Repeat("x", 20000)
	assert.Equal(t, 500, MaxTokensFor(huge, "", 0, 4096))
}

func TestBuildSystemPrompt(t *testing.T) {
	p := BuildSystemPrompt(PromptOptions{
		Density:            domain.DensityLow,
		Language:           "Turkish",
		CustomInstructions: "Focus on drug doses.",
		ExcludeTrivia:      true,
		Categories:         []string{"A", "B"},
	})
	assert.Contains(t, p, "DENSITY (low)")
	assert.Contains(t, p, "Turkish")
	assert.Contains(t, p, "Focus on drug doses.")
	assert.Contains(t, p, `["A","B"]`)
	assert.Contains(t, p, "biographical trivia")

	p = BuildSystemPrompt(PromptOptions{})
	assert.Contains(t, p, "DENSITY (medium)")
	assert.Contains(t, p, "English")
	assert.Contains(t, p, "short topic name")
	assert.NotContains(t, p, "biographical trivia")
}

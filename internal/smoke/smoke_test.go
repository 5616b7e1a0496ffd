package smoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/savaki/opea-comps/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRunner() *Runner {
	return NewRunner(WithBackoff(5*time.Millisecond, 20*time.Millisecond, 500*time.Millisecond))
}

func TestCheckBuilders(t *testing.T) {
	t.Run("generate", func(t *testing.T) {
		c := GenerateCheck("localhost:8008/", "What is Deep Learning?", 17)
		assert.Equal(t, "http://localhost:8008/generate", c.URL)
		assert.Equal(t, http.MethodPost, c.Method)

		data, err := json.Marshal(c.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"inputs":"What is Deep Learning?","parameters":{"max_new_tokens":17,"do_sample":true}}`, string(data))
	})

	t.Run("chat", func(t *testing.T) {
		c := ChatCheck("http://textgen:9000", "Intel/neural-chat-7b-v3-3", []Message{{Role: "user", Content: "hi"}}, 17, false)
		assert.Equal(t, "http://textgen:9000/v1/chat/completions", c.URL)
		assert.True(t, c.Matches(`{"choices":[{"message":{"content":"hello"}}]}`))
		assert.False(t, c.Matches(`{"error":"model not loaded"}`))

		data, err := json.Marshal(c.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"model":"Intel/neural-chat-7b-v3-3","messages":[{"role":"user","content":"hi"}],"max_tokens":17,"stream":false}`, string(data))
	})

	t.Run("health", func(t *testing.T) {
		c := HealthCheck("https://guard.example.com")
		assert.Equal(t, "https://guard.example.com/v1/health_check", c.URL)
		assert.Equal(t, http.MethodGet, c.Method)
	})
}

func TestRunner_Run(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			// model still loading for the first two calls
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			_, _ = w.Write([]byte(`{"generated_text":"Deep learning is"}`))
		case "/v1/health_check":
			_, _ = w.Write([]byte(`{"Service Title":"opea_service@llm","Service Description":"OPEA Microservice Infrastructure"}`))
		case "/v1/chat/completions":
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	t.Run("passes after retries", func(t *testing.T) {
		results, err := fastRunner().Run(context.Background(),
			GenerateCheck(server.URL, "What is Deep Learning?", 17),
			HealthCheck(server.URL),
		)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.True(t, results[0].Passed)
		assert.Equal(t, 3, results[0].Attempts)
		assert.Equal(t, http.StatusOK, results[0].Status)
		assert.True(t, results[1].Passed)
		assert.Equal(t, 1, results[1].Attempts)
	})

	t.Run("fails on unexpected body", func(t *testing.T) {
		results, err := fastRunner().Run(context.Background(),
			ChatCheck(server.URL, "", "hi", 17, false),
			HealthCheck(server.URL),
		)
		assert.ErrorIs(t, err, errors.ErrCheckFailed)
		require.Len(t, results, 2)
		assert.False(t, results[0].Passed)
		assert.Greater(t, results[0].Attempts, 1)
		assert.ErrorIs(t, results[0].Err, errors.ErrCheckFailed)
		assert.Equal(t, `{"error":"nope"}`, results[0].Body)
		assert.True(t, results[1].Passed)
	})

	t.Run("gives up after max elapsed", func(t *testing.T) {
		runner := NewRunner(WithBackoff(5*time.Millisecond, 10*time.Millisecond, 50*time.Millisecond))
		results, err := runner.Run(context.Background(), Check{Name: "missing", URL: server.URL + "/missing"})
		assert.ErrorIs(t, err, errors.ErrCheckFailed)
		require.Len(t, results, 1)
		assert.False(t, results[0].Passed)
		assert.Equal(t, http.StatusNotFound, results[0].Status)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short"))

	ascii := strings.Repeat("a", maxBodyLength+10)
	assert.Equal(t, ascii[:maxBodyLength]+"...", truncate(ascii))

	prefix := strings.Repeat("a", maxBodyLength-1)
	got := truncate(prefix + "é" + "tail")
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, prefix+"...", got)
}

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Complete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body.Model)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "user", body.Messages[1].Role)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": `{"confidence":0.8}`},
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15},
		})
	}))
	defer ts.Close()

	c := NewClient("sk-test", WithBaseURL(ts.URL), WithModel("gpt-test"))
	resp, err := c.Complete(context.Background(), ChatRequest{System: "sys", User: "usr"})
	require.NoError(t, err)
	assert.Equal(t, `{"confidence":0.8}`, resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(12), resp.PromptTokens)
}

func TestClient_Complete_NoChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","object":"chat.completion","model":"m","choices":[]}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient("sk-test", WithBaseURL(ts.URL))
	_, err := c.Complete(context.Background(), ChatRequest{User: "hi"})
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestClient_Complete_StatusCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient("sk-test", WithBaseURL(ts.URL))
	_, err := c.Complete(context.Background(), ChatRequest{User: "hi"})
	require.Error(t, err)

	code, ok := StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, code)

	_, ok = StatusCode(errors.New("plain"))
	assert.False(t, ok)
}

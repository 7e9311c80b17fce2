package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestNewClient_RequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), Config{APIKey: "  "})
	assert.Error(t, err)
}

func TestClient_Generate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gemini-test:generateContent"), r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gc, ok := body["generationConfig"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "application/json", gc["responseMimeType"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": `{"enhanced_description":"ok"}`}},
				},
			}},
			"usageMetadata": map[string]any{"promptTokenCount": 7, "candidatesTokenCount": 4},
		})
	}))
	defer ts.Close()

	c, err := NewClient(context.Background(), Config{APIKey: "k", Model: "gemini-test", BaseURL: ts.URL})
	require.NoError(t, err)

	resp, err := c.Generate(context.Background(), GenerateRequest{
		System: "be terse",
		Prompt: "describe",
		Schema: &genai.Schema{Type: genai.TypeObject},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"enhanced_description":"ok"}`, resp.Text)
	assert.Equal(t, int32(7), resp.InputTokens)
	assert.Equal(t, "gemini-test", resp.Model)
}

func TestStatusCode(t *testing.T) {
	t.Parallel()

	code, ok := StatusCode(genai.APIError{Code: 429})
	assert.True(t, ok)
	assert.Equal(t, 429, code)

	_, ok = StatusCode(errors.New(genai.APIError{Code: 500}.Error()))
	assert.False(t, ok)
}

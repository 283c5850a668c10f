package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiChatCompletion(t *testing.T) {
	var gotPath, gotKey string
	var gotReq geminiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(geminiResponse{
			Candidates: []geminiCandidate{
				{
					Content: geminiContent{
						Role:  "model",
						Parts: []geminiPart{{Text: "bonjour"}},
					},
					FinishReason: "STOP",
				},
			},
			UsageMetadata: geminiUsage{PromptTokenCount: 7, CandidatesTokenCount: 3, TotalTokenCount: 10},
		})
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL)
	resp, err := c.ChatCompletion(context.Background(), "gemini-user-key", ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessage{
			{Role: "assistant", Content: "prior"},
			{Role: "user", Content: "translate hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", gotPath)
	assert.Equal(t, "gemini-user-key", gotKey)

	// Assistant role maps to "model" on the wire.
	require.Len(t, gotReq.Contents, 2)
	assert.Equal(t, "model", gotReq.Contents[0].Role)
	assert.Equal(t, "user", gotReq.Contents[1].Role)

	assert.Equal(t, "bonjour", resp.Choices[0].Message.Content)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestGeminiAuthAndTransientErrors(t *testing.T) {
	status := http.StatusForbidden
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":{"status":"PERMISSION_DENIED"}}`))
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL)
	req := ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	}

	_, err := c.ChatCompletion(context.Background(), "bad-key", req)
	require.Error(t, err)
	assert.True(t, IsAuth(err))

	status = http.StatusTooManyRequests
	_, err = c.ChatCompletion(context.Background(), "good-key", req)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestGeminiStream(t *testing.T) {
	sse := "" +
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"bon"}]}}]}` + "\n\n" +
		`data: {"candidates":[{"content":{"parts":[{"text":"jour"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"totalTokenCount":6}}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, ":streamGenerateContent")
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL)
	stream, err := c.ChatCompletionStream(context.Background(), "gemini-user-key", ChatRequest{
		Model:    "gemini-2.5-flash",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	var usageTotal int
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, choice := range chunk.Choices {
			text += choice.Delta.Content
		}
		if chunk.Usage != nil {
			usageTotal = chunk.Usage.TotalTokens
		}
	}

	assert.Equal(t, "bonjour", text)
	assert.Equal(t, 6, usageTotal)
}

func TestGeminiValidateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1beta/models", r.URL.Path)
		if r.URL.Query().Get("key") != "valid-key" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"status":"UNAUTHENTICATED"}}`))
			return
		}
		w.Write([]byte(`{"models":[{"name":"models/gemini-2.5-flash"}]}`))
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL)
	assert.NoError(t, c.ValidateKey(context.Background(), "valid-key"))

	err := c.ValidateKey(context.Background(), "stale-key")
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

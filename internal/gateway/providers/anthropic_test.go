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

func TestAnthropicChatCompletion(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotReq anthropicRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(anthropicResponse{
			ID:      "msg_test",
			Type:    "message",
			Role:    "assistant",
			Model:   gotReq.Model,
			Content: []anthropicContentBlock{{Type: "text", Text: "hello"}},
			Usage:   anthropicUsage{InputTokens: 12, OutputTokens: 5},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL)
	resp, err := c.ChatCompletion(context.Background(), "sk-ant-user", ChatRequest{
		Model: "claude-sonnet-4-5-20250929",
		Messages: []openai.ChatCompletionMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "sk-ant-user", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)

	// System messages move to the dedicated field.
	assert.Equal(t, "be brief", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)

	assert.Equal(t, "msg_test", resp.ID)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
}

func TestAnthropicAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL)
	_, err := c.ChatCompletion(context.Background(), "sk-ant-revoked", ChatRequest{
		Model:    "claude-sonnet-4-5-20250929",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsAuth(err))

	err = c.ValidateKey(context.Background(), "sk-ant-revoked")
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

func TestAnthropicOverloadedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL)
	_, err := c.ChatCompletion(context.Background(), "sk-ant-user", ChatRequest{
		Model:    "claude-sonnet-4-5-20250929",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestAnthropicStreamCapturesUsage(t *testing.T) {
	sse := "" +
		"event: message_start\n" +
		`data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":9,"output_tokens":0}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":4}}` + "\n\n" +
		"event: message_stop\n" +
		`data: {"type":"message_stop"}` + "\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(sse))
	}))
	defer srv.Close()

	c := NewAnthropicClient(srv.URL)
	stream, err := c.ChatCompletionStream(context.Background(), "sk-ant-user", ChatRequest{
		Model:    "claude-sonnet-4-5-20250929",
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var text string
	var sawRole bool
	var finalUsageTotal int
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, choice := range chunk.Choices {
			if choice.Delta.Role == "assistant" {
				sawRole = true
			}
			text += choice.Delta.Content
		}
		if chunk.Usage != nil {
			finalUsageTotal = chunk.Usage.TotalTokens
		}
	}

	assert.True(t, sawRole)
	assert.Equal(t, "hello", text)
	assert.Equal(t, 13, finalUsageTotal)
}

func TestAnthropicUnsupportedOperations(t *testing.T) {
	c := NewAnthropicClient("")
	assert.True(t, c.Supports(OperationChat))
	assert.False(t, c.Supports(OperationEmbedding))
	assert.False(t, c.Supports(OperationTranscription))

	_, err := c.Embeddings(context.Background(), "k", EmbeddingRequest{Model: "x"})
	assert.Error(t, err)
	_, err = c.Transcription(context.Background(), "k", TranscriptionRequest{Model: "x"})
	assert.Error(t, err)
}
